package prescription

// analysisPrompt asks the model for dispensing-ready JSON only.
const analysisPrompt = `Analyze this prescription image and extract data in valid JSON format for automatic medication dispensing.

Return ONLY valid JSON (no markdown, no code blocks) with this exact structure:
{
  "prescription_id": "string or null",
  "prescription_date": "YYYY-MM-DD or null",
  "doctor_name": "string or null",
  "doctor_registration": "string or null",
  "hospital_clinic": "string or null",
  "patient": {
    "patient_name": "string or null",
    "patient_age": number or null,
    "patient_gender": "string or null",
    "patient_id": "string or null"
  },
  "medications": [
    {
      "medicine_name": "string",
      "generic_name": "string or null",
      "strength": "e.g., 500mg, 10ml",
      "dosage_form": "tablet/capsule/syrup/injection",
      "quantity_per_dose": number,
      "frequency": "e.g., 3 times daily",
      "frequency_code": "TID/BID/QD/QID/Q8H/Q12H",
      "timing": ["HH:MM", "HH:MM"],
      "duration_days": number,
      "total_quantity": number,
      "before_after_food": "before/after/with/empty stomach or null",
      "special_instructions": "string or null"
    }
  ],
  "diagnosis": "string or null",
  "allergies": ["string"] or null,
  "warnings": ["string"] or null,
  "follow_up_date": "YYYY-MM-DD or null",
  "emergency_contact": "string or null"
}

FREQUENCY CODES:
- QD = Once daily, BID = 2 times daily, TID = 3 times daily, QID = 4 times daily
- Q8H = Every 8 hours, Q12H = Every 12 hours

For timing, use 24-hour format. Example: ["08:00", "14:00", "20:00"] for TID
Calculate total_quantity = quantity_per_dose × frequency_per_day × duration_days

If data is not visible, use null. Return ONLY the JSON, no other text.`
