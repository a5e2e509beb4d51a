package setup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/model"
	"github.com/ashleyhindle/fuel/internal/store"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), config.DirName)

	res, err := Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.WroteConfig {
		t.Error("expected config.yaml to be written")
	}

	for _, p := range []string{"logs", "config.yaml", ".gitignore", "agent.db"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Errorf("%s does not exist: %v", p, err)
		}
	}

	if _, err := config.Load(dir); err != nil {
		t.Errorf("written config does not load: %v", err)
	}
}

func TestRun_GitignoreCoversRuntimeFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), config.DirName)
	if _, err := Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("read .gitignore: %v", err)
	}
	for _, want := range []string{"consume-runner.json", "consume.lock", "logs/"} {
		if !strings.Contains(string(data), want) {
			t.Errorf(".gitignore missing %q", want)
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), config.DirName)
	if _, err := Run(ctx, dir); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	custom := []byte("custom\n")
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), custom, 0644); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(config.PathsFor(dir).DB)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	task, err := st.Create(ctx, model.NewTask{Title: "keep me", Priority: 2})
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	res, err := Run(ctx, dir)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.WroteConfig {
		t.Error("second Run rewrote config.yaml")
	}

	got, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if string(got) != string(custom) {
		t.Errorf(".gitignore overwritten: %q", got)
	}

	st, err = store.Open(config.PathsFor(dir).DB)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, err := st.Find(ctx, task.ID); err != nil {
		t.Errorf("task lost after second Run: %v", err)
	}
}
