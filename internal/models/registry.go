package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Reference is a payload field holding the id of another entity.
type Reference struct {
	Field  string
	Target EntityType
}

type descriptor struct {
	path       string
	newPayload func() Payload
	references []Reference
}

var registry = map[EntityType]descriptor{
	EntityClients: {path: "clients", newPayload: func() Payload { return &Client{} }},
	EntityPets: {path: "pets", newPayload: func() Payload { return &Pet{} },
		references: []Reference{{"client_id", EntityClients}}},
	EntityRooms: {path: "rooms", newPayload: func() Payload { return &Room{} }},
	EntityKennels: {path: "kennels", newPayload: func() Payload { return &Kennel{} },
		references: []Reference{{"room_id", EntityRooms}}},
	EntityAppointments: {path: "appointments", newPayload: func() Payload { return &Appointment{} },
		references: []Reference{{"pet_id", EntityPets}, {"room_id", EntityRooms}}},
	EntityVaccineTypes: {path: "vaccine-types", newPayload: func() Payload { return &VaccineType{} }},
	EntityVaccinations: {path: "vaccinations", newPayload: func() Payload { return &Vaccination{} },
		references: []Reference{{"pet_id", EntityPets}, {"vaccine_type_id", EntityVaccineTypes}}},
	EntitySoapNotes: {path: "soap-notes", newPayload: func() Payload { return &SoapNote{} },
		references: []Reference{{"appointment_id", EntityAppointments}, {"pet_id", EntityPets}}},
	EntityBoardingReservations: {path: "boarding/reservations", newPayload: func() Payload { return &BoardingReservation{} },
		references: []Reference{{"pet_id", EntityPets}, {"kennel_id", EntityKennels}}},
	EntityBoardingMedications: {path: "boarding/medications", newPayload: func() Payload { return &BoardingMedication{} },
		references: []Reference{{"reservation_id", EntityBoardingReservations}}},
	EntityInventoryItems: {path: "inventory/items", newPayload: func() Payload { return &InventoryItem{} }},
}

// Parents precede children so a full refresh can run in this order.
var registryOrder = []EntityType{
	EntityClients,
	EntityPets,
	EntityRooms,
	EntityKennels,
	EntityAppointments,
	EntityVaccineTypes,
	EntityVaccinations,
	EntitySoapNotes,
	EntityBoardingReservations,
	EntityBoardingMedications,
	EntityInventoryItems,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// EndpointPath returns the REST collection path for t, relative to /api.
func EndpointPath(t EntityType) string {
	return registry[t].path
}

// ReferencesOf returns the foreign-key fields declared for t.
func ReferencesOf(t EntityType) []Reference {
	return registry[t].references
}

// NewPayload returns an empty payload struct for t.
func NewPayload(t EntityType) (Payload, error) {
	d, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	return d.newPayload(), nil
}

// DecodePayload parses and validates raw JSON as the payload of t.
func DecodePayload(t EntityType, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidatePayload runs the struct validation rules for p.
func ValidatePayload(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid %s payload: %s", p.EntityType(), ValidationErrorToString(err))
	}
	return nil
}

// ValidationErrorToString flattens validator errors into one readable line.
func ValidationErrorToString(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed on %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// StripServerFields removes server-owned keys from a JSON object payload.
func StripServerFields(raw json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for _, k := range []string{"id", "version", "updated_at"} {
		delete(obj, k)
	}
	return json.Marshal(obj)
}

// MergePayloads overlays the top-level fields of overlay onto base. Fields
// present in both take overlay's value; nested objects are replaced, not merged.
func MergePayloads(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(base)) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decode base payload: %w", err)
		}
	}
	if len(bytes.TrimSpace(overlay)) > 0 {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(overlay, &top); err != nil {
			return nil, fmt.Errorf("decode overlay payload: %w", err)
		}
		for k, v := range top {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
