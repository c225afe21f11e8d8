// Package config reads handler settings from the environment.
//
// Every handler resolves its settings at invocation time so a test can
// t.Setenv before calling it. Values that several handlers share (bucket
// names, Athena database, WAF IP set name) are derived from the project
// name and deployment environment in one place.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DefaultProject     = "darktracer"
	DefaultEnvironment = "dev"
)

// EnvOr returns the value of k, or def when it is unset or empty.
func EnvOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// Must returns the value of k or an error naming the missing variable.
func Must(k string) (string, error) {
	v := os.Getenv(k)
	if v == "" {
		return "", fmt.Errorf("%s env var is required", k)
	}
	return v, nil
}

// Duration parses k with time.ParseDuration. A bare integer is read as seconds.
func Duration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration env %s=%q: %w", k, v, err)
	}
	return d, nil
}

func Int(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int env %s=%q: %w", k, v, err)
	}
	return n, nil
}

func Bool(k string) bool {
	b, _ := strconv.ParseBool(os.Getenv(k))
	return b
}

// Project identifies one deployment of the pipeline.
type Project struct {
	Name        string
	Environment string
}

// LoadProject reads PROJECT_NAME and the environment name from envKey.
// The threat responder was deployed with ENV while the other handlers
// use ENVIRONMENT, so the key is a parameter.
func LoadProject(envKey string) Project {
	return Project{
		Name:        EnvOr("PROJECT_NAME", DefaultProject),
		Environment: EnvOr(envKey, DefaultEnvironment),
	}
}

func (p Project) LogsBucket() string {
	return fmt.Sprintf("%s-logs-%s", p.Name, p.Environment)
}

func (p Project) TrainingBucket() string {
	return fmt.Sprintf("%s-training-bucket-%s", p.Name, p.Environment)
}

func (p Project) AthenaDatabase() string {
	return fmt.Sprintf("%s_clean_logs_%s", p.Name, p.Environment)
}

func (p Project) IPSetName() string {
	return fmt.Sprintf("%s-blocked-ip-set-%s", p.Name, p.Environment)
}
