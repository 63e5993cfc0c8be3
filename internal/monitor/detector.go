package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector screens generated code and its output for sandbox escape
// attempts. Detections are reported, never enforced: isolation is the job
// of the sandbox backend.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks code for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	if d == nil {
		return nil
	}
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious construct in generated code")
			}
		}
	}

	return detections
}

// AnalyzeOutput checks execution output for signs of successful escape.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	if d == nil {
		return nil
	}
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"host_info_leak", "host:", SeverityMedium},
		{"kernel_leak", "Linux version", SeverityHigh},
		{"root_access", "root:x:0:0", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_mount_access",
			Description: "Attempting to access runtime sockets",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "shell_out",
			Description: "Spawning a shell or subprocess",
			Regex:       regexp.MustCompile(`\bos\.(system|popen|exec[lv]p?e?|spawn[lv]p?e?)\s*\(|\bsubprocess\.|\bpty\.spawn`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "process_fork",
			Description: "Forking processes directly",
			Regex:       regexp.MustCompile(`\bos\.fork\s*\(|:\(\)\s*\{\s*:\|:&\s*\};:`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections",
			Regex:       regexp.MustCompile(`\bsocket\.socket\s*\(|\burllib\.request\b|\bhttp\.client\b|\brequests\.(get|post|put)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "native_code",
			Description: "Loading native code through ctypes or cffi",
			Regex:       regexp.MustCompile(`\b(ctypes|cffi)\b|CDLL\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_import",
			Description: "Dynamic import or code evaluation",
			Regex:       regexp.MustCompile(`__import__\s*\(|\bimportlib\.import_module\s*\(|\b(eval|exec)\s*\(\s*(compile|base64|bytes|codecs)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "destructive_fs",
			Description: "Recursive deletion of system paths",
			Regex:       regexp.MustCompile(`shutil\.rmtree\s*\(\s*['"]/['"]|rm\s+-rf\s+/(\s|$)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for debugging/injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
