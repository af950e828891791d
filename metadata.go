package memori

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// mergeJSONObjects shallow-merges patch's top-level keys into base, with
// patch taking precedence. A patch key set to JSON null removes the key
// from the result. Both base and patch must be JSON objects.
func mergeJSONObjects(base, patch []byte) ([]byte, error) {
	result := base
	patchObj := gjson.ParseBytes(patch)
	if !patchObj.IsObject() {
		return nil, newErr("memori: merge metadata", KindInvalidInput, "", fmt.Errorf("metadata patch must be a JSON object"))
	}

	var err error
	patchObj.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Null {
			result, err = sjson.DeleteBytes(result, key.String())
		} else {
			result, err = sjson.SetRawBytes(result, key.String(), []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
