package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// FeatureValue is a JSON-encoded entitlement value. Scalars may come back from the
// driver as native numbers or booleans (SQLite applies numeric affinity to JSON
// columns), so Scan re-encodes them instead of rejecting them.
type FeatureValue datatypes.JSON

func (v FeatureValue) Value() (driver.Value, error) {
	return datatypes.JSON(v).Value()
}

func (v *FeatureValue) Scan(src interface{}) error {
	switch s := src.(type) {
	case int64:
		*v = FeatureValue(strconv.FormatInt(s, 10))
	case float64:
		*v = FeatureValue(strconv.FormatFloat(s, 'g', -1, 64))
	case bool:
		*v = FeatureValue(strconv.FormatBool(s))
	default:
		var j datatypes.JSON
		if err := j.Scan(src); err != nil {
			return fmt.Errorf("failed to scan feature value: %w", err)
		}
		*v = FeatureValue(j)
	}
	return nil
}

func (v FeatureValue) MarshalJSON() ([]byte, error) {
	return datatypes.JSON(v).MarshalJSON()
}

func (v *FeatureValue) UnmarshalJSON(b []byte) error {
	var j datatypes.JSON
	if err := j.UnmarshalJSON(b); err != nil {
		return err
	}
	*v = FeatureValue(j)
	return nil
}

func (v FeatureValue) String() string {
	return string(v)
}

func (FeatureValue) GormDataType() string {
	return datatypes.JSON{}.GormDataType()
}

func (FeatureValue) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return datatypes.JSON{}.GormDBDataType(db, field)
}
