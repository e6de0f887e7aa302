// Package config provides context persistence tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContext_IsEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{
			name: "empty context",
			ctx:  Context{},
			want: true,
		},
		{
			name: "label without conversation",
			ctx:  Context{ConversationLabel: "Bea"},
			want: true,
		},
		{
			name: "with conversation",
			ctx:  Context{ConversationID: "c-123"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.IsEmpty(); got != tt.want {
				t.Errorf("Context.IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{
			name: "empty",
			ctx:  Context{},
			want: "(no conversation selected)",
		},
		{
			name: "with label",
			ctx:  Context{ConversationID: "0b7f6c1e-aaaa-bbbb-cccc-000000000000", ConversationLabel: "Bea, Cy"},
			want: "conversation:Bea, Cy",
		},
		{
			name: "without label",
			ctx:  Context{ConversationID: "0b7f6c1e-aaaa-bbbb-cccc-000000000000"},
			want: "conversation:0b7f6c1e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.String(); got != tt.want {
				t.Errorf("Context.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_SetAndClear(t *testing.T) {
	ctx := &Context{}
	ctx.SetConversation("c-123", "Bea")

	if ctx.ConversationID != "c-123" {
		t.Errorf("ConversationID = %v, want c-123", ctx.ConversationID)
	}
	if ctx.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	ctx.Clear()
	if !ctx.IsEmpty() {
		t.Error("context should be empty after Clear()")
	}
}

func TestContextStore_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewContextStore(filepath.Join(tmpDir, "context.yaml"))

	ctx := &Context{
		ConversationID:    "c-abc123",
		ConversationLabel: "Bea",
	}

	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.ConversationID != ctx.ConversationID {
		t.Errorf("ConversationID = %v, want %v", loaded.ConversationID, ctx.ConversationID)
	}
	if loaded.ConversationLabel != ctx.ConversationLabel {
		t.Errorf("ConversationLabel = %v, want %v", loaded.ConversationLabel, ctx.ConversationLabel)
	}
}

func TestContextStore_LoadEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewContextStore(filepath.Join(tmpDir, "context.yaml"))

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !loaded.IsEmpty() {
		t.Error("Load() should return empty context for non-existent file")
	}
}

func TestContextStore_Clear(t *testing.T) {
	tmpDir := t.TempDir()
	contextPath := filepath.Join(tmpDir, "context.yaml")
	store := NewContextStore(contextPath)

	if err := store.Save(&Context{ConversationID: "c-abc123"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(contextPath); os.IsNotExist(err) {
		t.Fatal("context file should exist after save")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if _, err := os.Stat(contextPath); !os.IsNotExist(err) {
		t.Error("context file should be removed after clear")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() after Clear() error = %v", err)
	}
	if !loaded.IsEmpty() {
		t.Error("Load() after Clear() should return empty context")
	}
}
