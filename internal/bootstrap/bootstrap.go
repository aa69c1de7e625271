// Package bootstrap renders the first-boot user data that installs packages
// on a new instance.
package bootstrap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the user data dialect.
type Format string

const (
	// FormatCloudConfig renders a #cloud-config document with a packages list.
	FormatCloudConfig Format = "cloud-config"
	// FormatShell renders a bash script with one install command per package.
	FormatShell Format = "shell"
)

var installCommands = map[string]string{
	"yum":     "yum install -y",
	"dnf":     "dnf install -y",
	"apt-get": "DEBIAN_FRONTEND=noninteractive apt-get install -y",
}

// packageName is what a package may be called. It covers yum, dnf and apt
// names, versions and architectures, and never needs shell quoting.
var packageName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+:@-]*$`)

// Script is a rendered-on-demand boot script.
type Script struct {
	Format         Format
	Packages       []string
	PackageManager string
}

// NewScript validates and de-duplicates packages, keeping first-seen order.
func NewScript(format Format, packages []string, packageManager string) (*Script, error) {
	switch format {
	case FormatCloudConfig, FormatShell:
	default:
		return nil, fmt.Errorf("unknown user data format %q", format)
	}
	if packageManager == "" {
		packageManager = "yum"
	}
	if _, ok := installCommands[packageManager]; !ok {
		return nil, fmt.Errorf("unsupported package manager %q", packageManager)
	}

	pkgs, err := Packages(packages)
	if err != nil {
		return nil, err
	}

	return &Script{Format: format, Packages: pkgs, PackageManager: packageManager}, nil
}

// Packages returns the package list without duplicates, in first-seen order.
// Names must be non-empty and match packageName.
func Packages(packages []string) ([]string, error) {
	seen := make(map[string]bool, len(packages))
	out := make([]string, 0, len(packages))
	for i, p := range packages {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("package %d: empty name", i)
		}
		if !packageName.MatchString(p) {
			return nil, fmt.Errorf("package %d: invalid name %q", i, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

type cloudConfig struct {
	Packages []string `yaml:"packages,omitempty"`
}

// Render returns the plain-text user data.
func (s *Script) Render() (string, error) {
	switch s.Format {
	case FormatShell:
		return s.renderShell(), nil
	case FormatCloudConfig:
		return s.renderCloudConfig()
	default:
		return "", fmt.Errorf("unknown user data format %q", s.Format)
	}
}

func (s *Script) renderCloudConfig() (string, error) {
	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	if len(s.Packages) == 0 {
		return buf.String(), nil
	}

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cloudConfig{Packages: s.Packages}); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode cloud-config: %w", err)
	}
	return buf.String(), nil
}

// renderShell installs each package separately. A failed package does not
// stop the others; the script exits non-zero at the end if any failed.
func (s *Script) renderShell() string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -uo pipefail\n")
	if len(s.Packages) == 0 {
		return b.String()
	}

	b.WriteString("failed=()\n")
	if s.PackageManager == "apt-get" {
		b.WriteString("apt-get update -y\n")
	}
	cmd := installCommands[s.PackageManager]
	for _, p := range s.Packages {
		fmt.Fprintf(&b, "%s %s || failed+=(%s)\n", cmd, p, p)
	}
	b.WriteString("if [ ${#failed[@]} -gt 0 ]; then\n")
	b.WriteString("  echo \"failed to install: ${failed[*]}\" >&2\n")
	b.WriteString("  exit 1\n")
	b.WriteString("fi\n")
	return b.String()
}

// Encode returns the base64 form EC2 expects in RunInstances.UserData.
func Encode(userData string) string {
	return base64.StdEncoding.EncodeToString([]byte(userData))
}
