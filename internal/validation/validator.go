// Package validation checks records before they reach storage or the network.
//
// Both the online and offline write paths call Validate, so they accept
// exactly the same records.
package validation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("order_status", func(fl validator.FieldLevel) bool {
			return models.OrderStatus(fl.Field().String()).Valid()
		})
		validate = v
	})
	return validate
}

// Validate checks rec as an entity of the given collection and returns a
// normalized copy. Collections without a schema pass through unchanged.
// Failures are returned as a VALIDATION_ERROR listing every offending field.
func Validate(coll models.Collection, rec models.Record) (models.Record, error) {
	if rec == nil {
		return nil, apperrors.Validation([]apperrors.FieldError{{Field: "record", Message: "is required"}})
	}
	out := rec.Clone()
	out.NormalizeID()

	switch coll {
	case models.CollectionOrders:
		return out, validateOrder(out)
	case models.CollectionMenuItems:
		return out, validateTyped(out, &models.MenuItem{})
	case models.CollectionTables:
		return out, validateTyped(out, &models.Table{})
	case models.CollectionSettings:
		return out, validateTyped(out, &models.Settings{})
	default:
		return out, nil
	}
}

// ValidateOrderPatch checks a partial order update. Only the fields present
// in patch are validated; a patch that touches items or total must still
// describe a consistent order once merged onto current.
func ValidateOrderPatch(current, patch models.Record) (models.Record, error) {
	if status, ok := patch[models.FieldStatus]; ok {
		if !models.OrderStatus(fmt.Sprint(status)).Valid() {
			return nil, apperrors.Validation([]apperrors.FieldError{
				{Field: models.FieldStatus, Message: fmt.Sprintf("must be one of pending, preparing, ready, completed, cancelled (got %q)", fmt.Sprint(status))},
			})
		}
	}
	_, touchesItems := patch["items"]
	_, touchesTotal := patch["total"]
	if !touchesItems && !touchesTotal {
		return patch.Clone(), nil
	}
	merged := current.Merge(patch)
	if _, err := Validate(models.CollectionOrders, merged); err != nil {
		return nil, err
	}
	return patch.Clone(), nil
}

func validateOrder(rec models.Record) error {
	normalizeItemIDs(rec)

	var order models.Order
	if err := rec.Decode(&order); err != nil {
		return apperrors.Validation([]apperrors.FieldError{{Field: "record", Message: "has malformed fields: " + decodeMessage(err)}})
	}

	fields := structErrors(&order)
	if len(order.Items) > 0 && !hasField(fields, "total") && !hasPrefix(fields, "items") && !order.TotalMatches() {
		fields = append(fields, apperrors.FieldError{
			Field:   "total",
			Message: fmt.Sprintf("%.2f does not match the sum of item price x quantity (%.2f)", order.Total, order.ItemsTotal()),
		})
	}
	if len(fields) > 0 {
		return apperrors.Validation(fields)
	}
	return nil
}

func validateTyped(rec models.Record, target interface{}) error {
	if err := rec.Decode(target); err != nil {
		return apperrors.Validation([]apperrors.FieldError{{Field: "record", Message: "has malformed fields: " + decodeMessage(err)}})
	}
	if fields := structErrors(target); len(fields) > 0 {
		return apperrors.Validation(fields)
	}
	return nil
}

func structErrors(v interface{}) []apperrors.FieldError {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []apperrors.FieldError{{Field: "record", Message: err.Error()}}
	}

	fields := make([]apperrors.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperrors.FieldError{
			Field:   fieldPath(fe.Namespace()),
			Message: message(fe),
		})
	}
	return fields
}

// fieldPath strips the root struct name: "Order.items[0].price" -> "items[0].price".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s entr(ies)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be %s or greater", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be %s or less", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "order_status":
		return fmt.Sprintf("must be one of pending, preparing, ready, completed, cancelled (got %q)", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// normalizeItemIDs rewrites numeric item ids as strings so that server-issued
// menu ids decode into the typed view.
func normalizeItemIDs(rec models.Record) {
	items, ok := rec["items"].([]interface{})
	if !ok {
		return
	}
	for _, it := range items {
		switch m := it.(type) {
		case map[string]interface{}:
			models.Record(m).NormalizeID()
		case models.Record:
			m.NormalizeID()
		}
	}
}

func decodeMessage(err error) string {
	msg := err.Error()
	return strings.TrimPrefix(msg, "json: ")
}

func hasField(fields []apperrors.FieldError, name string) bool {
	for _, f := range fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

func hasPrefix(fields []apperrors.FieldError, prefix string) bool {
	for _, f := range fields {
		if strings.HasPrefix(f.Field, prefix) {
			return true
		}
	}
	return false
}
