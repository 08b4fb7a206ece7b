package build

// DeploymentType selects between the development and production flavours of
// the daemon at compile time.
type DeploymentType byte

const (
	// Development builds route test loggers to stdout.
	Development DeploymentType = iota

	// Production builds use the rotating log writer only.
	Production
)

// String returns the deployment name printed in the startup banner.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
