package models

import (
	"fmt"
	"math"
	"strings"
)

// PrescriptionData is the structured shape the vision prompt asks for. It is
// read from stored JSON on a best-effort basis and never enforced on write.
type PrescriptionData struct {
	PrescriptionID     *string      `json:"prescription_id"`
	PrescriptionDate   *string      `json:"prescription_date"`
	DoctorName         *string      `json:"doctor_name"`
	DoctorRegistration *string      `json:"doctor_registration"`
	HospitalClinic     *string      `json:"hospital_clinic"`
	Patient            Patient      `json:"patient"`
	Medications        []Medication `json:"medications"`
	Diagnosis          *string      `json:"diagnosis"`
	Allergies          []string     `json:"allergies"`
	Warnings           []string     `json:"warnings"`
	FollowUpDate       *string      `json:"follow_up_date"`
	EmergencyContact   *string      `json:"emergency_contact"`
}

// Patient is the patient block of PrescriptionData.
type Patient struct {
	Name   *string  `json:"patient_name"`
	Age    *float64 `json:"patient_age"`
	Gender *string  `json:"patient_gender"`
	ID     *string  `json:"patient_id"`
}

// Medication is a single dispensing line.
type Medication struct {
	MedicineName        string   `json:"medicine_name"`
	GenericName         *string  `json:"generic_name"`
	Strength            string   `json:"strength"`
	DosageForm          string   `json:"dosage_form"`
	QuantityPerDose     *float64 `json:"quantity_per_dose"`
	Frequency           string   `json:"frequency"`
	FrequencyCode       string   `json:"frequency_code"`
	Timing              []string `json:"timing"`
	DurationDays        *float64 `json:"duration_days"`
	TotalQuantity       *float64 `json:"total_quantity"`
	BeforeAfterFood     *string  `json:"before_after_food"`
	SpecialInstructions *string  `json:"special_instructions"`
}

var dosesPerDay = map[string]int{
	"QD":   1,
	"BID":  2,
	"TID":  3,
	"QID":  4,
	"Q8H":  3,
	"Q12H": 2,
}

// DosesPerDay returns how many doses a frequency code stands for.
func DosesPerDay(code string) (int, bool) {
	n, ok := dosesPerDay[strings.ToUpper(strings.TrimSpace(code))]
	return n, ok
}

// ExpectedTotal computes quantity_per_dose × doses per day × duration_days.
// ok is false when any input is missing or the code is unknown.
func (m Medication) ExpectedTotal() (total float64, ok bool) {
	perDay, known := DosesPerDay(m.FrequencyCode)
	if !known || m.QuantityPerDose == nil || m.DurationDays == nil {
		return 0, false
	}
	return *m.QuantityPerDose * float64(perDay) * *m.DurationDays, true
}

// QuantityMismatches lists medications whose total_quantity disagrees with
// the frequency arithmetic. Lines that cannot be checked are skipped.
func (d *PrescriptionData) QuantityMismatches() []string {
	var out []string
	for i, m := range d.Medications {
		want, ok := m.ExpectedTotal()
		if !ok || m.TotalQuantity == nil {
			continue
		}
		if math.Abs(want-*m.TotalQuantity) > 1e-9 {
			name := m.MedicineName
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			out = append(out, fmt.Sprintf("%s: total_quantity %g, expected %g", name, *m.TotalQuantity, want))
		}
	}
	return out
}
