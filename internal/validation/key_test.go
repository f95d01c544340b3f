package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "simple key", key: "user-profile", wantErr: false},
		{name: "path-like key", key: "settings/theme", wantErr: false},
		{name: "unicode key", key: "заметки", wantErr: false},
		{name: "empty key", key: "", wantErr: true},
		{name: "max length", key: strings.Repeat("a", MaxKeyLen), wantErr: false},
		{name: "too long", key: strings.Repeat("a", MaxKeyLen+1), wantErr: true},
		{name: "newline", key: "bad\nkey", wantErr: true},
		{name: "null byte", key: "bad\x00key", wantErr: true},
		{name: "tab", key: "bad\tkey", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNamespace(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		wantErr   bool
	}{
		{name: "simple", namespace: "default", wantErr: false},
		{name: "with digits and dash", namespace: "app-2", wantErr: false},
		{name: "with underscore", namespace: "sync_engine", wantErr: false},
		{name: "empty", namespace: "", wantErr: true},
		{name: "too long", namespace: strings.Repeat("n", MaxNamespaceLen+1), wantErr: true},
		{name: "spaces", namespace: "my app", wantErr: true},
		{name: "slash", namespace: "a/b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNamespace(tt.namespace)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
