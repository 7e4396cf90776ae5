// Package cli validates the external tools an embedding application
// needs before the multiplexer starts.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prerequisite represents a required external tool.
type Prerequisite struct {
	Name        string // Command name (e.g. "manifold-agent")
	Required    bool   // Whether the tool is required to run
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// AgentPrerequisites returns the tools needed to run the given agent
// command.
func AgentPrerequisites(agentCommand string) []Prerequisite {
	return []Prerequisite{
		{
			Name:        agentCommand,
			Required:    true,
			Description: "agent CLI spoken to over stdio",
			InstallURL:  "https://manifoldhq.dev/docs/agents",
		},
	}
}

// CheckResult contains the result of checking one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a tool is available in PATH.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(prereq.Name)
	return result
}

// CheckAll verifies all prerequisites and returns results.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that every required prerequisite is met.
// Returns nil when all required tools are found, otherwise an error
// listing what is missing.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion attempts to get the version of a tool.
func getVersion(name string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		cmd := exec.Command(name, flag)
		output, err := cmd.Output()
		if err == nil {
			lines := strings.Split(string(output), "\n")
			if len(lines) > 0 {
				version := strings.TrimSpace(lines[0])
				if len(version) > 100 {
					version = version[:100] + "..."
				}
				return version
			}
		}
	}
	return ""
}

// FormatCheckResults formats check results for display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
