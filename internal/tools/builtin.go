package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Builtin action names. repo.checkout and tests.run are the default
// expensive actions and only run after an approved interrupt.
//
// The builtins are stand-ins: they validate their arguments and return a
// canned result marked "simulated": true without touching a repository.
// Deployments register real executors under the same names.
const (
	ToolRepoRead     = "repo.read"
	ToolIssuesSearch = "issues.search"
	ToolRepoCheckout = "repo.checkout"
	ToolTestsRun     = "tests.run"
)

type repoArgs struct {
	Repo  string `json:"repo"`
	Ref   string `json:"ref,omitempty"`
	Query string `json:"query,omitempty"`
}

func parseRepoArgs(args json.RawMessage) (repoArgs, error) {
	var a repoArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return a, fmt.Errorf("invalid args: %w", err)
		}
	}
	if strings.TrimSpace(a.Repo) == "" {
		return a, fmt.Errorf("repo is required")
	}
	if a.Ref == "" {
		a.Ref = "main"
	}
	return a, nil
}

func init() {
	MustAdd(Tool{Name: ToolRepoRead, Timeout: 10 * time.Second, Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		a, err := parseRepoArgs(args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"repo": a.Repo, "ref": a.Ref, "files": []string{"README.md"}, "simulated": true})
	}})
	MustAdd(Tool{Name: ToolIssuesSearch, Timeout: 10 * time.Second, Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		a, err := parseRepoArgs(args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"repo": a.Repo, "query": a.Query, "issues": []string{}, "simulated": true})
	}})
	MustAdd(Tool{Name: ToolRepoCheckout, Timeout: 2 * time.Minute, Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		a, err := parseRepoArgs(args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"repo": a.Repo, "ref": a.Ref, "checked_out": true, "simulated": true})
	}})
	MustAdd(Tool{Name: ToolTestsRun, Timeout: 10 * time.Minute, Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		a, err := parseRepoArgs(args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"repo": a.Repo, "ref": a.Ref, "passed": true, "simulated": true})
	}})
}
