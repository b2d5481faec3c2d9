package natives

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"

	"taskhost/internal/scope"
)

func dataArg(params any) (args, string, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, "", err
	}
	s, err := a.requireStr("data")
	return a, s, err
}

func b64(a args) (*base64.Encoding, error) {
	urlSafe, err := a.boolean("url")
	if err != nil {
		return nil, err
	}
	if urlSafe {
		return base64.URLEncoding, nil
	}
	return base64.StdEncoding, nil
}

// Base64Encode encodes {data, url}; url selects the URL-safe alphabet.
func Base64Encode(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	enc, err := b64(a)
	if err != nil {
		return nil, err
	}
	return enc.EncodeToString([]byte(data)), nil
}

func Base64Decode(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	enc, err := b64(a)
	if err != nil {
		return nil, err
	}
	b, err := enc.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func HexEncode(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	return hex.EncodeToString([]byte(data)), nil
}

func HexDecode(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// URLEscape query-escapes {data}.
func URLEscape(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	return url.QueryEscape(data), nil
}

func URLUnescape(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	return url.QueryUnescape(data)
}

// SHA256 returns the hex digest of {data}.
func SHA256(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

// JSONEncode serializes {value, indent}. Keys come out sorted.
func JSONEncode(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, err
	}
	indent, err := a.boolean("indent")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(a["value"]); err != nil {
		return nil, err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// JSONDecode parses {data}; JSON null comes back as the null sentinel.
func JSONDecode(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	_, data, err := dataArg(params)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}
