package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape API secrets are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// Token resolves an API secret stored as {"token":"..."} on first use and
// reuses it for the lifetime of the process. Failed lookups are not cached.
type Token struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func NewToken(getter Getter, name string) (*Token, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: token parameter name is empty")
	}
	return &Token{getter: getter, name: name}, nil
}

func (t *Token) Name() string {
	return t.name
}

func (t *Token) Value(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value != "" {
		return t.value, nil
	}
	raw, err := t.getter.GetParameter(ctx, t.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token %q: %w", t.name, err)
	}
	v, err := parseToken(raw)
	if err != nil {
		return "", fmt.Errorf("paramstore: token %q: %w", t.name, err)
	}
	t.value = v
	return v, nil
}

func parseToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("unmarshal value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("token is empty")
	}
	return tp.Token, nil
}
