// Package processfile records a running instance in PID and port files, so
// that a second instance can detect it and the files disappear on exit.
package processfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/processstate"
	"github.com/core-tools/hsu-autoshutdown/pkg/watchdog"
)

const DefaultAppName = "hsu-autoshutdown"

type Config struct {
	// BaseDirectory overrides the directory chosen from ServiceContext
	BaseDirectory   string         `yaml:"base_directory,omitempty"`
	ServiceContext  ServiceContext `yaml:"service_context,omitempty"`
	AppName         string         `yaml:"app_name,omitempty"`
	UseSubdirectory bool           `yaml:"use_subdirectory,omitempty"`
}

type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

type Manager struct {
	config Config
	logger logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Manager{
		config: config,
		logger: logger,
	}
}

func (m *Manager) PIDFilePath(name string) string {
	baseDir := m.baseDirectory()
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return filepath.Join(baseDir, name+".pid")
}

func (m *Manager) PortFilePath(name string) string {
	return strings.TrimSuffix(m.PIDFilePath(name), ".pid") + ".port"
}

// Files are the process files of one claimed instance
type Files struct {
	Name     string
	PIDPath  string
	PortPath string
	logger   logging.Logger
}

// Claim records pid and port under name. It fails with a process error when
// the recorded instance is still running; stale files are overwritten.
// A zero port writes no port file.
func (m *Manager) Claim(name string, pid, port int) (*Files, error) {
	files := &Files{
		Name:     name,
		PIDPath:  m.PIDFilePath(name),
		PortPath: m.PortFilePath(name),
		logger:   m.logger,
	}

	if existing, err := readNumber(files.PIDPath); err == nil && existing != pid {
		running, err := processstate.IsProcessRunning(existing)
		if err == nil && running {
			return nil, errors.NewProcessError("instance already running", nil).
				WithContext("name", name).
				WithContext("pid", existing)
		}
		m.logger.Warnf("Replacing stale PID file, name: %s, pid: %d, path: %s", name, existing, files.PIDPath)
	}

	if err := ValidateDirectory(files.PIDPath); err != nil {
		return nil, err
	}
	if err := writeNumber(files.PIDPath, pid); err != nil {
		return nil, errors.NewIOError("failed to write PID file", err).WithContext("pid_file", files.PIDPath)
	}
	if port != 0 {
		if err := writeNumber(files.PortPath, port); err != nil {
			os.Remove(files.PIDPath)
			return nil, errors.NewIOError("failed to write port file", err).WithContext("port_file", files.PortPath)
		}
	}

	m.logger.Infof("Process files written, name: %s, pid: %d, port: %d, path: %s", name, pid, port, files.PIDPath)
	return files, nil
}

// ReadPort returns the port recorded for a running instance
func (m *Manager) ReadPort(name string) (int, error) {
	pid, err := readNumber(m.PIDFilePath(name))
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("name", name)
	}
	running, err := processstate.IsProcessRunning(pid)
	if err != nil || !running {
		return 0, errors.NewProcessError("instance is not running", err).
			WithContext("name", name).
			WithContext("pid", pid)
	}

	port, err := readNumber(m.PortFilePath(name))
	if err != nil {
		return 0, errors.NewIOError("failed to read port file", err).WithContext("name", name)
	}
	return port, nil
}

// Remove deletes the files; missing files are not an error
func (f *Files) Remove() error {
	collection := errors.NewErrorCollection()
	for _, path := range []string{f.PortPath, f.PIDPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			collection.Add(errors.NewIOError("failed to remove process file", err).WithContext("path", path))
		}
	}
	f.logger.Debugf("Process files removed, name: %s", f.Name)
	return collection.ToError()
}

// Attach removes the files when w shuts down
func Attach(w *watchdog.Watchdog, f *Files) *watchdog.Watchdog {
	cleanup := watchdog.NewCleanup("process files", func(context.Context) error {
		return f.Remove()
	})
	return w.Attach(f, nil, []*watchdog.Cleanup{cleanup}, nil)
}

func readNumber(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, errors.NewValidationError("invalid process file content", err).WithContext("path", path)
	}
	return value, nil
}

func writeNumber(path string, value int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", value)), 0644)
}

func (m *Manager) baseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return systemServiceDirectory()
	case SessionService:
		return sessionServiceDirectory()
	default:
		return userServiceDirectory()
	}
}

func systemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func sessionServiceDirectory() string {
	if runtime.GOOS == "linux" {
		sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(sessionDir); err == nil {
			return sessionDir
		}
	}
	return os.TempDir()
}

// ValidateDirectory creates the parent directory of path if needed and
// checks that it is writable
func ValidateDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access process file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create process file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("process file directory is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewPermissionError("process file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
