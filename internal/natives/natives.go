// Package natives is the catalogue of host functions exposed to scripts.
//
// Every function takes one table argument and reaches host capabilities only
// through the Scope: logx.Logger, *HTTPClient, storage.Store,
// transport.Notifier and aiworker.Worker.
package natives

import (
	"fmt"
	"sort"

	"taskhost/internal/task/script"
)

// Registrar is satisfied by the task manager.
type Registrar interface {
	RegisterFunction(name string, fn script.Func) error
}

// Catalog returns every native function by name.
func Catalog() map[string]script.Func {
	return map[string]script.Func{
		"log":  Log,
		"now":  Now,
		"uuid": UUID,

		"base64_encode": Base64Encode,
		"base64_decode": Base64Decode,
		"hex_encode":    HexEncode,
		"hex_decode":    HexDecode,
		"url_escape":    URLEscape,
		"url_unescape":  URLUnescape,
		"sha256":        SHA256,
		"json_encode":   JSONEncode,
		"json_decode":   JSONDecode,

		"http_request": HTTPRequest,

		"store_get":    StoreGet,
		"store_put":    StorePut,
		"store_delete": StoreDelete,
		"store_keys":   StoreKeys,

		"notify": Notify,

		"llm_eval":          LLMEval,
		"llm_function_call": LLMFunctionCall,
	}
}

// Register installs the whole catalogue in name order.
func Register(r Registrar) error {
	cat := Catalog()
	names := make([]string, 0, len(cat))
	for name := range cat {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.RegisterFunction(name, cat[name]); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}
