package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codegen-autofix/internal/api"
)

var (
	serverURL     string
	apiKey        string
	timeout       time.Duration
	language      string
	memoryMB      int64
	maxIterations int
	maxTokens     int
	stream        bool
	outcome       string
	limit         int
)

func main() {
	root := &cobra.Command{
		Use:          "fixloop-cli",
		Short:        "CLI client for the codegen auto-fix server",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("FIXLOOP_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("FIXLOOP_API_KEY"), "API key")

	genCmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate code for a prompt and fix it until it runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runGenerate,
	}
	genCmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "Attempt budget (1-10, 0 for the server default)")
	genCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Generation token limit (0 for the server default)")
	genCmd.Flags().BoolVar(&stream, "stream", false, "Print attempts as they finish")
	root.AddCommand(genCmd)

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in the sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Execution timeout")
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, shell)")
	execCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (0 for the server default)")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Execution timeout")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (0 for the server default)")
	root.AddCommand(execFileCmd)

	runsCmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List audited fix runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (success, exhausted, backend_error, cancelled)")
	runsCmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	root.AddCommand(runsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// argOrStdin returns the single positional argument, or all of stdin.
func argOrStdin(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	prompt, err := argOrStdin(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	req := api.GenerateRequest{
		Prompt:        strings.TrimSpace(prompt),
		MaxIterations: maxIterations,
		MaxTokens:     maxTokens,
	}

	if stream {
		return streamGenerate(cmd.OutOrStdout(), req)
	}

	var resp api.GenerateResponse
	if err := do(http.MethodPost, "/generate", req, &resp, 0); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

// streamGenerate prints each SSE event as it arrives.
func streamGenerate(w io.Writer, req api.GenerateRequest) error {
	resp, err := send(http.MethodPost, "/generate/stream", req, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := printEvent(w, event, []byte(strings.TrimPrefix(line, "data: "))); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func printEvent(w io.Writer, event string, data []byte) error {
	switch event {
	case "attempt":
		var a api.AttemptEvent
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decoding attempt event: %w", err)
		}
		fmt.Fprintf(w, "attempt %d: %s (exit %d, %dms)\n", a.Attempt, a.Class, a.ExitCode, a.DurationMS)
	case "state":
		// Phase changes are noise on a terminal.
	case "done":
		var done api.GenerateResponse
		if err := json.Unmarshal(data, &done); err != nil {
			return fmt.Errorf("decoding done event: %w", err)
		}
		return printJSON(w, done)
	case "error":
		var e api.ErrorResponse
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding error event: %w", err)
		}
		return fmt.Errorf("%s: %s", e.Code, e.Error)
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := argOrStdin(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	return executeCode(cmd.OutOrStdout(), code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(filepath.Clean(args[0]))
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" {
		lang, err = languageFor(args[0])
		if err != nil {
			return err
		}
	}
	return executeCode(cmd.OutOrStdout(), string(data), lang)
}

func languageFor(path string) (string, error) {
	switch ext := filepath.Ext(path); ext {
	case ".py":
		return "python", nil
	case ".sh":
		return "shell", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

func executeCode(w io.Writer, code, lang string) error {
	req := api.ExecuteRequest{
		Code:     code,
		Language: lang,
		Timeout:  api.Duration{Duration: timeout},
	}
	if memoryMB > 0 {
		req.Limits = &api.ResourceLimits{MemoryMB: memoryMB}
	}

	var resp api.ExecuteResponse
	if err := do(http.MethodPost, "/execute", req, &resp, timeout+time.Minute); err != nil {
		return err
	}
	if err := printJSON(w, resp); err != nil {
		return err
	}

	// Exit with the sandbox exit code.
	if resp.ExitCode != 0 {
		os.Exit(resp.ExitCode % 256)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		var run any
		if err := do(http.MethodGet, "/runs/"+url.PathEscape(args[0]), nil, &run, 10*time.Second); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if outcome != "" {
		q.Set("outcome", outcome)
	}
	var runs []any
	if err := do(http.MethodGet, "/runs?"+q.Encode(), nil, &runs, 10*time.Second); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), runs)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	resp, err := send(http.MethodGet, "/health", nil, 10*time.Second)
	if err != nil && resp == nil {
		return err
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := printJSON(cmd.OutOrStdout(), health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}

// do sends body as JSON and decodes a 2xx response into out.
func do(method, path string, body, out any, clientTimeout time.Duration) error {
	resp, err := send(method, path, body, clientTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// send performs the request. Non-2xx responses come back as an error built
// from the server's ErrorResponse; health also returns the response.
func send(method, path string, body any, clientTimeout time.Duration) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	if path == "/health" {
		return resp, errors.New(resp.Status)
	}

	defer resp.Body.Close()
	var e api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	if e.Kind != "" {
		return nil, fmt.Errorf("%s (%s): %s", e.Code, e.Kind, e.Error)
	}
	return nil, fmt.Errorf("%s: %s", e.Code, e.Error)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
