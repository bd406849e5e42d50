package apiclient

import (
	"fmt"
	"net/url"
	"reflect"
)

// EncodeParams serializes a flat parameter set into a query string sorted by
// key. Nil values, including typed nil pointers, are skipped. Slices produce
// one pair per element.
func EncodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range params {
		if isNil(value) {
			continue
		}
		switch v := value.(type) {
		case []string:
			for _, item := range v {
				values.Add(key, item)
			}
		case string:
			values.Add(key, v)
		case fmt.Stringer:
			values.Add(key, v.String())
		default:
			rv := reflect.ValueOf(value)
			if rv.Kind() == reflect.Pointer {
				rv = rv.Elem()
			}
			if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
				for i := 0; i < rv.Len(); i++ {
					values.Add(key, fmt.Sprint(rv.Index(i).Interface()))
				}
				continue
			}
			values.Add(key, fmt.Sprint(rv.Interface()))
		}
	}
	return values.Encode()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
