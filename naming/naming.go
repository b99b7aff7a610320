// Package naming namespaces channel names by the (host pid, feature id)
// pair read from the environment so parallel test runs do not collide
// over the same shared-memory segment name.
package naming

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// EnvHostPID is the environment variable a servo sets to the
	// orchestrator's own process id.
	EnvHostPID = "HARMONY_HOST_PID"
	// EnvFeatureID is the environment variable a servo sets to the
	// identifier of the test feature currently executing.
	EnvFeatureID = "HARMONY_FEATURE_ID"
)

// Namer qualifies a base channel name with the namespace recognized by
// the environment, so buffers created by concurrent feature runs never
// share a segment.
type Namer struct {
	hostPID   string
	featureID string
}

// FromEnvironment builds a Namer from HARMONY_HOST_PID and
// HARMONY_FEATURE_ID. Either variable may be unset, in which case the
// resulting name omits that component.
func FromEnvironment() Namer {
	return Namer{
		hostPID:   os.Getenv(EnvHostPID),
		featureID: os.Getenv(EnvFeatureID),
	}
}

// New builds a Namer from explicit values, bypassing the environment.
func New(hostPID int, featureID string) Namer {
	return Namer{hostPID: strconv.Itoa(hostPID), featureID: featureID}
}

// Qualify returns the namespaced channel name for base.
func (n Namer) Qualify(base string) string {
	switch {
	case n.hostPID != "" && n.featureID != "":
		return fmt.Sprintf("%s_%s_%s", base, n.hostPID, n.featureID)
	case n.hostPID != "":
		return fmt.Sprintf("%s_%s", base, n.hostPID)
	case n.featureID != "":
		return fmt.Sprintf("%s_%s", base, n.featureID)
	default:
		return base
	}
}
