package controller

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`

	// ConnectTimeout bounds the wait for the child to connect back
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// OutputDirectory, when set, also receives child output as <id>.log
	OutputDirectory string `yaml:"output_directory,omitempty"`
}

const defaultConnectTimeout = 10 * time.Second

func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
	}

	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}
	if config.ConnectTimeout < 0 {
		return errors.NewValidationError("connect timeout cannot be negative", nil)
	}
	if config.OutputDirectory != "" && !filepath.IsAbs(config.OutputDirectory) {
		return errors.NewValidationError("output directory must be absolute path", nil)
	}

	return nil
}

// newCommand builds the child command. The child joins its own process group
// so that cancellation reaches everything it started.
func newCommand(config ExecutionConfig, extraEnv ...string) (*exec.Cmd, error) {
	if err := ensureExecutable(config.ExecutablePath); err != nil {
		return nil, err
	}

	workDir := config.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(config.ExecutablePath)
		if err != nil {
			return nil, errors.NewIOError("failed to get absolute path", err).
				WithContext("executable_path", config.ExecutablePath)
		}
		workDir = filepath.Dir(absPath)
	}

	env := os.Environ()
	env = append(env, config.Environment...)
	env = append(env, extraEnv...)

	cmd := exec.Command(config.ExecutablePath, config.Args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.WaitDelay = config.WaitDelay

	setupProcessAttributes(cmd)

	return cmd, nil
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		// windows decides by extension, not by mode bits
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
