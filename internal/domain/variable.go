package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessVariable is a typed value scoped to an instance or to one activity
// within it. Exactly one storage slot is populated at a time; SetValue
// clears the others before filling the matching slot.
type ProcessVariable struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	// ActivityID is empty for instance-scoped variables.
	ActivityID string `json:"activity_id,omitempty"`
	Name       string `json:"name"`

	Type VariableType `json:"type"`

	StringValue   *string         `json:"string_value,omitempty"`
	IntegerValue  *int64          `json:"integer_value,omitempty"`
	DecimalValue  *float64        `json:"decimal_value,omitempty"`
	BooleanValue  *bool           `json:"boolean_value,omitempty"`
	DateValue     *time.Time      `json:"date_value,omitempty"`
	DateTimeValue *time.Time      `json:"datetime_value,omitempty"`
	ObjectValue   json.RawMessage `json:"object_value,omitempty"`
	ArrayValue    json.RawMessage `json:"array_value,omitempty"`
	FileValue     *FileRef        `json:"file_value,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type VariableType string

const (
	VarString   VariableType = "string"
	VarInteger  VariableType = "integer"
	VarDecimal  VariableType = "decimal"
	VarBoolean  VariableType = "boolean"
	VarDate     VariableType = "date"
	VarDateTime VariableType = "datetime"
	VarObject   VariableType = "object"
	VarArray    VariableType = "array"
	VarFile     VariableType = "file"
)

// FileRef points at external file content; the engine never stores file
// bytes inline.
type FileRef struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	StorageRef  string `json:"storage_ref"`
}

// SetValue infers the variable type from the Go value, clears every storage
// slot and populates the matching one. A nil value clears the variable to an
// untyped empty state.
func (v *ProcessVariable) SetValue(value interface{}) error {
	v.clearSlots()

	switch val := value.(type) {
	case nil:
		v.Type = ""
	case string:
		v.Type = VarString
		v.StringValue = &val
	case int:
		i := int64(val)
		v.Type = VarInteger
		v.IntegerValue = &i
	case int32:
		i := int64(val)
		v.Type = VarInteger
		v.IntegerValue = &i
	case int64:
		v.Type = VarInteger
		v.IntegerValue = &val
	case float32:
		f := float64(val)
		v.Type = VarDecimal
		v.DecimalValue = &f
	case float64:
		v.Type = VarDecimal
		v.DecimalValue = &val
	case bool:
		v.Type = VarBoolean
		v.BooleanValue = &val
	case time.Time:
		v.Type = VarDateTime
		v.DateTimeValue = &val
	case *FileRef:
		v.Type = VarFile
		v.FileValue = val
	case FileRef:
		v.Type = VarFile
		v.FileValue = &val
	case []interface{}:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode array variable %s: %w", v.Name, err)
		}
		v.Type = VarArray
		v.ArrayValue = raw
	case map[string]interface{}:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode object variable %s: %w", v.Name, err)
		}
		v.Type = VarObject
		v.ObjectValue = raw
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode variable %s: %w", v.Name, err)
		}
		v.Type = VarObject
		v.ObjectValue = raw
	}
	return nil
}

// Value returns the populated slot as a plain Go value. Object and array
// slots decode into map[string]interface{} / []interface{}.
func (v *ProcessVariable) Value() interface{} {
	switch v.Type {
	case VarString:
		if v.StringValue != nil {
			return *v.StringValue
		}
	case VarInteger:
		if v.IntegerValue != nil {
			return *v.IntegerValue
		}
	case VarDecimal:
		if v.DecimalValue != nil {
			return *v.DecimalValue
		}
	case VarBoolean:
		if v.BooleanValue != nil {
			return *v.BooleanValue
		}
	case VarDate:
		if v.DateValue != nil {
			return *v.DateValue
		}
	case VarDateTime:
		if v.DateTimeValue != nil {
			return *v.DateTimeValue
		}
	case VarObject:
		if len(v.ObjectValue) > 0 {
			var out map[string]interface{}
			if err := json.Unmarshal(v.ObjectValue, &out); err == nil {
				return out
			}
		}
	case VarArray:
		if len(v.ArrayValue) > 0 {
			var out []interface{}
			if err := json.Unmarshal(v.ArrayValue, &out); err == nil {
				return out
			}
		}
	case VarFile:
		if v.FileValue != nil {
			return *v.FileValue
		}
	}
	return nil
}

func (v *ProcessVariable) clearSlots() {
	v.StringValue = nil
	v.IntegerValue = nil
	v.DecimalValue = nil
	v.BooleanValue = nil
	v.DateValue = nil
	v.DateTimeValue = nil
	v.ObjectValue = nil
	v.ArrayValue = nil
	v.FileValue = nil
}
