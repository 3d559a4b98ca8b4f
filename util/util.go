package util

import (
	"github.com/mohae/deepcopy"
)

func DeepCopy(data interface{}) interface{} {
	return deepcopy.Copy(data)
}

func DeepCopyMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	copied, ok := deepcopy.Copy(data).(map[string]interface{})
	if !ok {
		return nil
	}
	return copied
}
