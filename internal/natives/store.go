package natives

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskhost/internal/scope"
	"taskhost/internal/storage"
)

func storeArgs(params any, sc *scope.Scope) (args, storage.Store, string, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, nil, "", err
	}
	st, err := scope.Get[storage.Store](sc)
	if err != nil {
		return nil, nil, "", err
	}
	if st == nil {
		return nil, nil, "", storage.ErrDisabled
	}
	key, err := a.str("key")
	if err != nil {
		return nil, nil, "", err
	}
	return a, st, key, nil
}

// StoreGet returns {found, value} for {key}.
func StoreGet(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, st, key, err := storeArgs(params, sc)
	if err != nil {
		return nil, err
	}
	raw, ok, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"found": false}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("stored value for %q is not JSON: %w", key, err)
	}
	return map[string]any{"found": true, "value": v}, nil
}

// StorePut saves {key, value, ttl_ms}.
func StorePut(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, st, key, err := storeArgs(params, sc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(a["value"])
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	if ms, ok, err := a.integer("ttl_ms"); err != nil {
		return nil, err
	} else if ok && ms > 0 {
		ttl = time.Duration(ms) * time.Millisecond
	}
	if err := st.Put(ctx, key, raw, ttl); err != nil {
		return nil, err
	}
	return true, nil
}

// StoreDelete removes {key} and returns {deleted}.
func StoreDelete(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, st, key, err := storeArgs(params, sc)
	if err != nil {
		return nil, err
	}
	ok, err := st.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": ok}, nil
}

// StoreKeys lists live keys under {prefix}.
func StoreKeys(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, st, _, err := storeArgs(params, sc)
	if err != nil {
		return nil, err
	}
	prefix, err := a.str("prefix")
	if err != nil {
		return nil, err
	}
	keys, err := st.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
