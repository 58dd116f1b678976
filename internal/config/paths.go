package config

import (
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a warden instance.
type InstancePaths struct {
	Home          string // Instance home directory
	Config        string // YAML configuration file path
	StateDB       string // SQLite state store path
	ControlSocket string // Control socket path (status/shutdown API)
	HealthSocket  string // gRPC health socket path
	ClusterSocket string // Inter-worker broadcast socket path
	PIDFile       string // Supervisor pid file path
	Logs          string // Logs directory
	RunDir        string // Runtime assets directory
	TempDir       string // Temporary files directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetWardenHome(), "instances", instanceName)

	return InstancePaths{
		Home:          instanceDir,
		Config:        filepath.Join(instanceDir, "config.yaml"),
		StateDB:       filepath.Join(instanceDir, "state.db"),
		ControlSocket: filepath.Join(instanceDir, "wardend.sock"),
		HealthSocket:  filepath.Join(instanceDir, "health.sock"),
		ClusterSocket: filepath.Join(instanceDir, "cluster.sock"),
		PIDFile:       filepath.Join(instanceDir, "wardend.pid"),
		Logs:          filepath.Join(instanceDir, "logs"),
		RunDir:        filepath.Join(instanceDir, "run"),
		TempDir:       filepath.Join(instanceDir, "tmp"),
	}
}

// GetWardenHome returns the warden home directory (~/.warden).
func GetWardenHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".warden")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance
// if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.RunDir,
		paths.TempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return InstancePaths{}, err
		}
	}

	return paths, nil
}
