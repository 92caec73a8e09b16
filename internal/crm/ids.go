package crm

import (
	"intake/internal/domain"
	"intake/internal/models"
)

// ObjectKind names a CRM record type. The CRM spells identifier fields
// differently per type, so each kind carries its own ordered probe list.
type ObjectKind struct {
	Name     string
	Endpoint string
	IDKeys   []string
}

var (
	KindCustomer = ObjectKind{
		Name:     "customer",
		Endpoint: "customers",
		IDKeys:   []string{"id", "customer_id", "customers_id"},
	}
	KindEstimate = ObjectKind{
		Name:     "estimate",
		Endpoint: "estimates",
		IDKeys:   []string{"id", "estimate_id", "estimates_id"},
	}
	KindCalendarTask = ObjectKind{
		Name:     "calendar task",
		Endpoint: "calendar-tasks",
		IDKeys:   []string{"id", "task_id", "calendar_task_id"},
	}
)

// ExtractID returns the first string or number found under the kind's
// candidate keys.
func (k ObjectKind) ExtractID(record map[string]any) (models.ID, bool) {
	for _, key := range k.IDKeys {
		if id, ok := models.IDFromValue(record[key]); ok {
			return id, true
		}
	}
	return models.ID{}, false
}

// RequireID is ExtractID that treats a missing identifier as a broken
// contract with the CRM.
func (k ObjectKind) RequireID(record map[string]any) (models.ID, error) {
	id, ok := k.ExtractID(record)
	if !ok {
		return models.ID{}, domain.ContractViolation("%s response did not include an identifier (looked for %v)", k.Name, k.IDKeys)
	}
	return id, nil
}
