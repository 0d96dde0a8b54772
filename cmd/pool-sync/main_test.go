package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const definitions = `
pools:
  - id: ws_project_v1
    size: 4
    resource_config:
      config_name: ws_project_v1
      kind: CLOUD_PROJECT
      cloud_project:
        parent_folder_id: folders/1
        billing_account: billingAccounts/1
        project_id_scheme:
          prefix: ws
          scheme: TWO_WORDS_NUMBER
    cleanup:
      auto_delete: true
      ttl: 48h
`

func writeDefinitions(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pools.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	return path
}

const retainOnly = `
pools:
  - id: ws_project_v2
    size: 0
    resource_config:
      config_name: ws_project_v2
      kind: CLOUD_PROJECT
      cloud_project:
        parent_folder_id: folders/1
        billing_account: billingAccounts/1
        project_id_scheme:
          prefix: ws
          scheme: RANDOM_CHAR
    cleanup:
      ttl: 12h
  - id: ws_project_v3
    size: 1
    resource_config:
      config_name: ws_project_v3
      kind: CLOUD_PROJECT
      cloud_project:
        parent_folder_id: folders/1
        billing_account: billingAccounts/1
        project_id_scheme:
          prefix: ws
          scheme: RANDOM_CHAR
`

func TestRun_DryRun(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "error")

	tests := []struct {
		name string
		body string
		args func(path string) []string
		want string
	}{
		{
			name: "auto delete with ttl",
			body: definitions,
			args: func(p string) []string { return []string{"--dry-run", "--file", p} },
			want: "ws_project_v1\tsize=4\tkind=CLOUD_PROJECT\tauto_delete=true\tcleanup_ttl=48h0m0s\n",
		},
		{
			name: "ttl without auto delete",
			body: retainOnly,
			args: func(p string) []string { return []string{"--dry-run", "-f", p} },
			want: "ws_project_v2\tsize=0\tkind=CLOUD_PROJECT\tauto_delete=false\tcleanup_ttl=12h0m0s\n" +
				"ws_project_v3\tsize=1\tkind=CLOUD_PROJECT\tauto_delete=false\tcleanup_ttl=default\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDefinitions(t, tt.body)

			var out bytes.Buffer
			if err := run(tt.args(path), &out); err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	tests := []struct {
		name    string
		driver  string
		body    string
		args    func(path string) []string
		wantErr string
	}{
		{
			name:    "invalid definitions",
			driver:  "memory",
			body:    "pools:\n  - id: x\n    size: -1\n",
			args:    func(p string) []string { return []string{"--dry-run", "--file", p} },
			wantErr: "POOL_CONFIG_INVALID",
		},
		{
			name:    "memory driver cannot sync",
			driver:  "memory",
			body:    definitions,
			args:    func(p string) []string { return []string{"--file", p} },
			wantErr: "postgres driver",
		},
		{
			name:    "unknown flag",
			driver:  "memory",
			body:    definitions,
			args:    func(string) []string { return []string{"--force"} },
			wantErr: "unknown flag: --force",
		},
		{
			name:    "positional argument",
			driver:  "memory",
			body:    definitions,
			args:    func(p string) []string { return []string{p} },
			wantErr: "unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_DRIVER", tt.driver)
			path := writeDefinitions(t, tt.body)

			err := run(tt.args(path), &bytes.Buffer{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("run() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
