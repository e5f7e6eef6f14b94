package models

// Payload is the typed body of an entity. Each entity type has exactly one
// payload struct; DecodePayload is the single point where JSON becomes one.
type Payload interface {
	EntityType() EntityType
}

// Client is a pet owner.
type Client struct {
	ID        string `json:"id,omitempty"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

func (Client) EntityType() EntityType { return EntityClients }

// Pet is a patient.
type Pet struct {
	ID        string  `json:"id,omitempty"`
	ClientID  string  `json:"client_id" validate:"required"`
	Name      string  `json:"name" validate:"required,max=100"`
	Species   string  `json:"species" validate:"required,oneof=canine feline avian reptile equine other"`
	Breed     string  `json:"breed,omitempty"`
	BirthDate string  `json:"birth_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	WeightKg  float64 `json:"weight_kg,omitempty" validate:"gte=0"`
}

func (Pet) EntityType() EntityType { return EntityPets }

// Appointment is a scheduled visit.
type Appointment struct {
	ID              string `json:"id,omitempty"`
	PetID           string `json:"pet_id" validate:"required"`
	RoomID          string `json:"room_id,omitempty"`
	VetID           string `json:"vet_id,omitempty"`
	StartsAt        string `json:"starts_at" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,gt=0,lte=480"`
	Reason          string `json:"reason,omitempty"`
	Status          string `json:"status" validate:"required,oneof=scheduled checked_in completed cancelled no_show"`
}

func (Appointment) EntityType() EntityType { return EntityAppointments }

// Room is an exam or treatment room.
type Room struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" validate:"required,max=100"`
	Kind string `json:"kind,omitempty" validate:"omitempty,oneof=exam surgery treatment boarding"`
}

func (Room) EntityType() EntityType { return EntityRooms }

// Kennel is a boarding enclosure.
type Kennel struct {
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id,omitempty"`
	Name   string `json:"name" validate:"required,max=100"`
	Size   string `json:"size" validate:"required,oneof=small medium large"`
}

func (Kennel) EntityType() EntityType { return EntityKennels }

// VaccineType is a catalog entry for a vaccine.
type VaccineType struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name" validate:"required,max=100"`
	Species      string `json:"species,omitempty"`
	ValidityDays int    `json:"validity_days" validate:"required,gt=0"`
}

func (VaccineType) EntityType() EntityType { return EntityVaccineTypes }

// Vaccination is an administered vaccine.
type Vaccination struct {
	ID             string `json:"id,omitempty"`
	PetID          string `json:"pet_id" validate:"required"`
	VaccineTypeID  string `json:"vaccine_type_id" validate:"required"`
	AdministeredAt string `json:"administered_at" validate:"required,datetime=2006-01-02"`
	ExpiresAt      string `json:"expires_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	LotNumber      string `json:"lot_number,omitempty"`
}

func (Vaccination) EntityType() EntityType { return EntityVaccinations }

// SoapNote is a clinical note attached to an appointment.
type SoapNote struct {
	ID            string `json:"id,omitempty"`
	AppointmentID string `json:"appointment_id" validate:"required"`
	PetID         string `json:"pet_id" validate:"required"`
	Subjective    string `json:"subjective,omitempty"`
	Objective     string `json:"objective,omitempty"`
	Assessment    string `json:"assessment,omitempty"`
	Plan          string `json:"plan,omitempty"`
}

func (SoapNote) EntityType() EntityType { return EntitySoapNotes }

// BoardingReservation books a kennel for a pet.
type BoardingReservation struct {
	ID       string `json:"id,omitempty"`
	PetID    string `json:"pet_id" validate:"required"`
	KennelID string `json:"kennel_id" validate:"required"`
	CheckIn  string `json:"check_in" validate:"required,datetime=2006-01-02"`
	CheckOut string `json:"check_out" validate:"required,datetime=2006-01-02"`
	Status   string `json:"status" validate:"required,oneof=reserved checked_in checked_out cancelled"`
}

func (BoardingReservation) EntityType() EntityType { return EntityBoardingReservations }

// BoardingMedication is a medication schedule for a boarded pet.
type BoardingMedication struct {
	ID            string `json:"id,omitempty"`
	ReservationID string `json:"reservation_id" validate:"required"`
	Name          string `json:"name" validate:"required,max=100"`
	Dose          string `json:"dose" validate:"required"`
	Frequency     string `json:"frequency" validate:"required"`
}

func (BoardingMedication) EntityType() EntityType { return EntityBoardingMedications }

// InventoryItem is a stocked product.
type InventoryItem struct {
	ID        string  `json:"id,omitempty"`
	SKU       string  `json:"sku" validate:"required,max=64"`
	Name      string  `json:"name" validate:"required,max=200"`
	Quantity  int     `json:"quantity" validate:"gte=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

func (InventoryItem) EntityType() EntityType { return EntityInventoryItems }
