// Package verifier runs post-install smoke tests against MCP backend
// servers: spawn, handshake, tool discovery, an optional minimal tool
// invocation, and self-healing suggestions for common failure classes.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"mcpgate/internal/mcprpc"
	"mcpgate/internal/registry"
	"mcpgate/pkg/logging"
	strx "mcpgate/pkg/strings"
)

const subsystem = "Verifier"

// DefaultTimeout bounds every phase of a verify_server run (spawn,
// handshake, tools/list, tools/call).
const DefaultTimeout = 10 * time.Second

// MaxSelfHealAttempts is a retry budget for callers of SelfHeal. The
// verifier itself does not track or enforce this count, and the gateway's
// activate_backend flow does not read it (that flow runs SelfHeal at most
// once per activation), mirroring the original implementation's own
// unenforced constant.
const MaxSelfHealAttempts = 3

var clientInfo = mcprpc.Implementation{Name: "meta-mcp-verifier", Version: "0.1.0"}

type remediation struct {
	patterns   []string
	category   string
	suggestion string
}

var remediationMap = []remediation{
	{
		patterns: []string{"ENOENT", "not found", "No such file"},
		category: "missing_binary",
		suggestion: "The server binary was not found. Verify the command is installed and " +
			"available on $PATH. You may need to run the installation step again.",
	},
	{
		patterns: []string{"EACCES", "permission denied", "Permission denied"},
		category: "permission",
		suggestion: "Permission denied when starting the server. Try: chmod +x <binary> " +
			"or run with appropriate permissions (avoid sudo when possible).",
	},
	{
		patterns: []string{"Cannot find module", "MODULE_NOT_FOUND", "Error: Cannot find module"},
		category: "missing_node_module",
		suggestion: "A required Node.js module is missing. Run 'npm install' in the " +
			"server directory, or reinstall the package with 'npm install -g <package>'.",
	},
	{
		patterns: []string{"chromium", "browser", "Chromium", "puppeteer"},
		category: "missing_browser",
		suggestion: "A browser binary (Chromium) is required but was not found. " +
			"Run 'npx puppeteer install chromium' to download it.",
	},
	{
		patterns: []string{"EADDRINUSE", "address already in use", "Address already in use"},
		category: "port_conflict",
		suggestion: "The required port is already in use. Either stop the conflicting " +
			"process (lsof -i :<port> | kill) or configure the server to use a different port.",
	},
	{
		patterns: []string{"API key", "api_key", "unauthorized", "Unauthorized", "401", "UNAUTHORIZED"},
		category: "missing_credentials",
		suggestion: "The server requires an API key or authentication token that is " +
			"missing or invalid. Set the appropriate environment variable (e.g. *_API_KEY) " +
			"before starting the server.",
	},
	{
		patterns: []string{"ETIMEDOUT", "timeout", "Timeout", "ETIME"},
		category: "timeout",
		suggestion: "The server timed out during startup. It may need more time to " +
			"initialize, or a network dependency might be unreachable.",
	},
	{
		patterns: []string{"ECONNREFUSED", "Connection refused"},
		category: "connection_refused",
		suggestion: "Connection was refused. The server may have crashed during startup " +
			"or a required dependency service is not running.",
	},
}

// Verifier is the full-lifecycle MCP server verification engine.
type Verifier struct {
	timeout time.Duration
}

// New constructs a Verifier bounding every smoke-test phase by timeout.
func New(timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{timeout: timeout}
}

// probe is a transient, single-use subprocess used by VerifyServer. Unlike
// internal/orchestrator's tracked process, a probe is never restarted; it is
// always terminated at the end of a single verify_server run.
type probe struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *mcprpc.LineReader
	exited atomic.Bool
	waitCh chan struct{}
}

func isExecutable(info os.FileInfo) bool {
	return !info.IsDir() && info.Mode()&0o111 != 0
}

// lookPath resolves command to an executable path, honoring a PATH override
// the way Python's shutil.which(command, path=...) does.
func lookPath(command, pathOverride string) (string, error) {
	if strings.ContainsRune(command, os.PathSeparator) {
		if info, err := os.Stat(command); err == nil && isExecutable(info) {
			return command, nil
		}
		return "", exec.ErrNotFound
	}
	pathEnv := pathOverride
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		candidate := filepath.Join(dir, command)
		if info, err := os.Stat(candidate); err == nil && isExecutable(info) {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func mergeEnv(env map[string]string) []string {
	out := append([]string(nil), os.Environ()...)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// spawnProcess starts command as a transient probe. It verifies the binary
// exists on PATH before spawning, and gives the process 300ms to crash
// immediately on startup, capturing stderr for the error message if it does.
func (v *Verifier) spawnProcess(ctx context.Context, command string, args []string, env map[string]string) (*probe, error) {
	if _, err := lookPath(command, env["PATH"]); err != nil {
		return nil, fmt.Errorf("command %q not found on PATH. Ensure the server binary is installed", command)
	}

	spawnCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.Command(command, args...)
	cmd.Env = mergeEnv(env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case <-spawnCtx.Done():
		return nil, errors.New("timed out while spawning server process")
	case err := <-started:
		if err != nil {
			var execErr *exec.Error
			if errors.As(err, &execErr) {
				return nil, fmt.Errorf("command %q not found (%w)", command, err)
			}
			if errors.Is(err, os.ErrPermission) {
				return nil, fmt.Errorf("permission denied executing %q", command)
			}
			return nil, fmt.Errorf("OS error spawning %q: %w", command, err)
		}
	}

	p := &probe{cmd: cmd, stdin: stdin, reader: mcprpc.NewLineReader(stdout), waitCh: make(chan struct{})}
	go func() {
		cmd.Wait()
		p.exited.Store(true)
		close(p.waitCh)
	}()

	select {
	case <-p.waitCh:
		stderrText := strings.TrimSpace(stderrBuf.String())
		msg := fmt.Sprintf("server process exited immediately with code %d", p.cmd.ProcessState.ExitCode())
		if stderrText != "" {
			msg += ": " + strx.TruncateDescription(stderrText, 500)
		}
		return nil, errors.New(msg)
	case <-time.After(300 * time.Millisecond):
	}
	return p, nil
}

func (v *Verifier) terminateProcess(p *probe) {
	if p == nil {
		return
	}
	p.stdin.Close()
	if p.exited.Load() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-p.waitCh:
		return
	case <-time.After(3 * time.Second):
	}
	logging.Warn(subsystem, "Process did not exit after SIGTERM, sending SIGKILL (pid=%d)", p.cmd.Process.Pid)
	_ = p.cmd.Process.Kill()
	select {
	case <-p.waitCh:
	case <-time.After(2 * time.Second):
	}
}

func (v *Verifier) performHandshake(ctx context.Context, p *probe) error {
	hsCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := mcprpc.WriteMessage(p.stdin, mcprpc.NewRequest(1, "initialize", mcprpc.InitializeParams{
		ProtocolVersion: mcprpc.ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo,
	})); err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	resp, err := p.reader.ReadResponse(hsCtx)
	if err != nil {
		return fmt.Errorf("no response to initialize request (timeout or process exited): %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("server returned error on initialize: %s", resp.Error.Message)
	}
	var result mcprpc.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("invalid initialize response: %w", err)
	}

	logging.Info(subsystem, "Server identified as %q (protocol %s)", result.ServerInfo.Name, result.ProtocolVersion)

	if err := mcprpc.WriteMessage(p.stdin, mcprpc.NewNotification("notifications/initialized", nil)); err != nil {
		logging.Warn(subsystem, "Failed to send initialized notification: %v", err)
	}
	return nil
}

func (v *Verifier) discoverTools(ctx context.Context, p *probe) ([]string, []mcprpc.ToolDescriptor, error) {
	listCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := mcprpc.WriteMessage(p.stdin, mcprpc.NewRequest(2, "tools/list", struct{}{})); err != nil {
		return nil, nil, fmt.Errorf("failed to send tools/list request: %w", err)
	}
	resp, err := p.reader.ReadResponse(listCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("no response to tools/list request: %w", err)
	}
	if resp.Error != nil {
		return nil, nil, fmt.Errorf("server returned error on tools/list: %s", resp.Error.Message)
	}
	var result mcprpc.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, nil, fmt.Errorf("expected 'tools' to be a list: %w", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		name := t.Name
		if name == "" {
			name = "<unnamed>"
		}
		names = append(names, name)
	}
	return names, result.Tools, nil
}

// pickSimpleTool prefers tools with no required parameters, then tools whose
// required parameters are all simple strings (at most two of them), and
// falls back to the first tool discovered.
func pickSimpleTool(tools []mcprpc.ToolDescriptor) *mcprpc.ToolDescriptor {
	var zeroParams []mcprpc.ToolDescriptor
	var simpleString []mcprpc.ToolDescriptor

	for _, tool := range tools {
		schema := tool.Schema()
		if len(schema.Required) == 0 {
			zeroParams = append(zeroParams, tool)
			continue
		}
		allSimple := true
		for _, req := range schema.Required {
			if schema.Properties[req].Type != "string" {
				allSimple = false
				break
			}
		}
		if allSimple && len(schema.Required) <= 2 {
			simpleString = append(simpleString, tool)
		}
	}

	if len(zeroParams) > 0 {
		return &zeroParams[0]
	}
	if len(simpleString) > 0 {
		return &simpleString[0]
	}
	if len(tools) > 0 {
		return &tools[0]
	}
	return nil
}

// buildTestInput synthesizes a minimal argument map satisfying a tool's
// required parameters, picking a type-appropriate placeholder value.
func buildTestInput(tool mcprpc.ToolDescriptor) map[string]interface{} {
	schema := tool.Schema()
	input := make(map[string]interface{}, len(schema.Required))
	for _, name := range schema.Required {
		switch schema.Properties[name].Type {
		case "integer":
			input[name] = 1
		case "number":
			input[name] = 1.0
		case "boolean":
			input[name] = true
		case "array":
			input[name] = []interface{}{}
		case "object":
			input[name] = map[string]interface{}{}
		default:
			input[name] = "test"
		}
	}
	return input
}

func (v *Verifier) smokeTestTool(ctx context.Context, p *probe, tools []mcprpc.ToolDescriptor, serverName string) *SmokeTestResult {
	candidate := pickSimpleTool(tools)
	if candidate == nil {
		logging.Info(subsystem, "No suitable simple tool found for smoke test on %q", serverName)
		return nil
	}

	testInput := buildTestInput(*candidate)
	encoded, _ := json.Marshal(testInput)
	inputDescription := string(encoded)

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	if err := mcprpc.WriteMessage(p.stdin, mcprpc.NewRequest(3, "tools/call", mcprpc.CallToolParams{Name: candidate.Name, Arguments: testInput})); err != nil {
		return &SmokeTestResult{Tool: candidate.Name, InputUsed: inputDescription, Result: "error", LatencyMs: time.Since(start).Milliseconds(), Error: err.Error()}
	}

	resp, err := p.reader.ReadResponse(callCtx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &SmokeTestResult{Tool: candidate.Name, InputUsed: inputDescription, Result: "timeout", LatencyMs: latency, Error: "no response to tools/call request"}
	}
	if resp.Error != nil {
		return &SmokeTestResult{Tool: candidate.Name, InputUsed: inputDescription, Result: "error", LatencyMs: latency, Error: fmt.Sprintf("tool call error: %s", resp.Error.Message)}
	}
	return &SmokeTestResult{Tool: candidate.Name, InputUsed: inputDescription, Result: "ok", LatencyMs: latency}
}

func buildVerificationResult(processStarted, handshake bool, tools []string, smoke *SmokeTestResult, errs []string) VerificationResult {
	var verdict Verdict
	switch {
	case !processStarted:
		verdict = VerdictFailed
	case !handshake:
		verdict = VerdictFailed
	case len(errs) > 0 && len(tools) == 0:
		verdict = VerdictFailed
	case len(errs) > 0:
		verdict = VerdictPartiallyWorking
	case smoke != nil && smoke.Result != "ok":
		verdict = VerdictPartiallyWorking
	default:
		verdict = VerdictFullyOperational
	}

	return VerificationResult{
		ProcessStarted:  processStarted,
		MCPHandshake:    handshake,
		ToolsDiscovered: tools,
		SmokeTest:       smoke,
		Verdict:         verdict,
		Errors:          errs,
	}
}

// VerifyServer runs a complete smoke test against a single MCP server: spawn
// the process, perform the MCP handshake, discover tools, and — if a simple
// tool is available — invoke it once. The process is always terminated
// before returning.
func (v *Verifier) VerifyServer(ctx context.Context, serverName, command string, args []string, env map[string]string) VerificationResult {
	var errs []string

	p, err := v.spawnProcess(ctx, command, args, env)
	if err != nil {
		errs = append(errs, err.Error())
		return buildVerificationResult(false, false, nil, nil, errs)
	}
	defer v.terminateProcess(p)

	logging.Info(subsystem, "Server %q spawned (pid=%d)", serverName, p.cmd.Process.Pid)

	if err := v.performHandshake(ctx, p); err != nil {
		errs = append(errs, err.Error())
		return buildVerificationResult(true, false, nil, nil, errs)
	}
	logging.Info(subsystem, "MCP handshake succeeded for %q", serverName)

	tools, toolsRaw, err := v.discoverTools(ctx, p)
	if err != nil {
		errs = append(errs, err.Error())
	}
	logging.Info(subsystem, "Discovered %d tools for %q: %v", len(tools), serverName, tools)

	var smoke *SmokeTestResult
	if len(toolsRaw) > 0 {
		smoke = v.smokeTestTool(ctx, p, toolsRaw, serverName)
	}

	return buildVerificationResult(true, true, tools, smoke, errs)
}

// SelfHeal matches error against the remediation table and attempts an
// automatic fix for the categories that support one.
func (v *Verifier) SelfHeal(ctx context.Context, serverName, errText, command string) SelfHealResult {
	lower := strings.ToLower(errText)
	for _, entry := range remediationMap {
		for _, pattern := range entry.patterns {
			if strings.Contains(lower, strings.ToLower(pattern)) {
				logging.Info(subsystem, "Self-heal matched category %q for server %q", entry.category, serverName)
				attempted, result := v.attemptAutoFix(ctx, entry.category, command)
				return SelfHealResult{Category: entry.category, Suggestion: entry.suggestion, AutoFixAttempted: attempted, AutoFixResult: result}
			}
		}
	}

	logging.Warn(subsystem, "No remediation match for server %q, error: %s", serverName, strx.TruncateDescription(errText, 200))
	return SelfHealResult{
		Category: "unknown",
		Suggestion: fmt.Sprintf(
			"An unrecognised error occurred while verifying %q. Error: %s. "+
				"Check the server logs for more details and ensure all dependencies are installed.",
			serverName, strx.TruncateDescription(errText, 300)),
	}
}

func (v *Verifier) attemptAutoFix(ctx context.Context, category, command string) (bool, string) {
	switch category {
	case "missing_binary":
		return v.fixMissingBinary(ctx, command)
	case "missing_node_module":
		return v.fixMissingNodeModule(ctx, command)
	case "missing_browser":
		return v.fixMissingBrowser(ctx)
	case "permission":
		return v.fixPermission(command)
	case "port_conflict":
		return false, "Port conflict detected. Manual intervention required: identify and stop the conflicting process."
	case "missing_credentials":
		return false, "Credentials are missing. Set the required environment variable and try again."
	case "timeout":
		return false, "Server timed out. Try increasing the timeout or checking network connectivity."
	case "connection_refused":
		return false, "Connection refused. Ensure any required backend services are running."
	default:
		return false, ""
	}
}

func (v *Verifier) fixMissingBinary(ctx context.Context, command string) (bool, string) {
	if resolved, err := lookPath(command, ""); err == nil {
		return false, fmt.Sprintf("Binary %q found at %s but the server still failed to start. "+
			"The issue may be with arguments or the working directory.", command, resolved)
	}

	if command == "npx" || command == "node" {
		if nodePath, err := lookPath("node", ""); err == nil {
			return false, fmt.Sprintf("Node.js found at %s but %q is not available. "+
				"Try reinstalling Node.js or running 'npm install -g npx'.", nodePath, command)
		}
		return false, "Node.js is not installed. Install it from https://nodejs.org/ or via your system package manager."
	}

	if command == "uvx" || command == "uv" {
		return v.tryInstallUv(ctx)
	}

	return false, fmt.Sprintf("Binary %q is not installed. Install it using your system package manager "+
		"or the official installation instructions.", command)
}

func (v *Verifier) fixMissingNodeModule(ctx context.Context, command string) (bool, string) {
	if _, err := lookPath("npm", ""); err != nil {
		return false, "npm is not installed. Install Node.js from https://nodejs.org/ to get npm."
	}

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "npm", "install", "-g", command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return false, "npm install timed out after 60 seconds"
		}
		return false, fmt.Sprintf("'npm install -g %s' failed: %s", command, strx.TruncateDescription(stderr.String(), 300))
	}
	return true, fmt.Sprintf("Successfully ran 'npm install -g %s'. Try verifying the server again.", command)
}

func (v *Verifier) fixMissingBrowser(ctx context.Context) (bool, string) {
	if _, err := lookPath("npx", ""); err != nil {
		return false, "npx is not available. Install Node.js from https://nodejs.org/ first, " +
			"then run 'npx puppeteer install chromium'."
	}

	runCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "npx", "puppeteer", "install", "chromium")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return false, "Chromium installation timed out after 120 seconds"
		}
		return false, fmt.Sprintf("'npx puppeteer install chromium' failed: %s", strx.TruncateDescription(stderr.String(), 300))
	}
	return true, "Successfully installed Chromium via puppeteer. Try verifying the server again."
}

func (v *Verifier) fixPermission(command string) (bool, string) {
	if resolved, err := lookPath(command, ""); err == nil {
		return false, fmt.Sprintf("Binary found at %q. Try running: chmod +x %s", resolved, resolved)
	}
	return false, fmt.Sprintf("Binary %q not found. If it exists at a known path, "+
		"ensure it has execute permissions (chmod +x).", command)
}

func (v *Verifier) tryInstallUv(ctx context.Context) (bool, string) {
	if _, err := lookPath("curl", ""); err != nil {
		return false, "uv/uvx is not installed and 'curl' is not available to run the installer. " +
			"Install uv manually from https://docs.astral.sh/uv/"
	}

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", "curl -LsSf https://astral.sh/uv/install.sh | sh")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return false, "uv installation timed out after 60 seconds"
		}
		return false, fmt.Sprintf("uv installer failed: %s", strx.TruncateDescription(stderr.String(), 300))
	}
	return true, "Successfully installed uv/uvx. You may need to restart your shell or source your profile " +
		"for the PATH changes to take effect."
}

// CheckEcosystemHealth verifies every configured backend concurrently,
// bounded to at most 4 simultaneous checks.
func (v *Verifier) CheckEcosystemHealth(ctx context.Context, configs map[string]registry.BackendConfig) EcosystemHealthResult {
	summary := map[string]int{"healthy": 0, "unhealthy": 0, "degraded": 0, "unknown": 0}

	if len(configs) == 0 {
		logging.Info(subsystem, "No servers configured; ecosystem is trivially healthy")
		return EcosystemHealthResult{Summary: summary, CheckedAt: time.Now()}
	}

	sem := semaphore.NewWeighted(4)
	var mu sync.Mutex
	var wg sync.WaitGroup
	reports := make([]ServerHealthReport, 0, len(configs))

	for name, entry := range configs {
		name, entry := name, entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			report := v.checkSingleServerHealth(ctx, name, entry)
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, r := range reports {
		summary[string(r.Status)]++
	}

	logging.Info(subsystem, "Ecosystem health check complete: %d servers, %v", len(reports), summary)
	return EcosystemHealthResult{Servers: reports, Summary: summary, CheckedAt: time.Now()}
}

func (v *Verifier) checkSingleServerHealth(ctx context.Context, name string, entry registry.BackendConfig) ServerHealthReport {
	start := time.Now()
	result := v.VerifyServer(ctx, name, entry.Command, entry.Args, entry.Env)
	latency := time.Since(start).Milliseconds()

	var status HealthStatus
	var errMsg string
	switch result.Verdict {
	case VerdictFullyOperational:
		status = HealthHealthy
	case VerdictPartiallyWorking:
		status = HealthDegraded
		errMsg = strings.Join(result.Errors, "; ")
	default:
		status = HealthUnhealthy
		if len(result.Errors) > 0 {
			errMsg = strings.Join(result.Errors, "; ")
		} else {
			errMsg = "verification failed"
		}
	}

	var suggestion string
	if (status == HealthUnhealthy || status == HealthDegraded) && errMsg != "" {
		suggestion = v.SelfHeal(ctx, name, errMsg, entry.Command).Suggestion
	}

	toolsCount := len(result.ToolsDiscovered)
	return ServerHealthReport{
		Name:       name,
		Status:     status,
		LatencyMs:  latency,
		ToolsCount: &toolsCount,
		Error:      errMsg,
		Suggestion: suggestion,
	}
}
