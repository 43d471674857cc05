package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	LabelFraudulent = "Fraudulent"
	LabelLegitimate = "Legitimate"
)

// Result is the scored transaction returned to clients.
type Result struct {
	IsFraud          int         `json:"is_fraud"`
	FraudProbability float64     `json:"fraud_probability"`
	Label            string      `json:"label"`
	Explanation      Explanation `json:"explanation"`
}

// Explanation holds the strongest feature attributions.
type Explanation struct {
	TopDrivers Drivers `json:"top_3_drivers"`
}

// Driver is one feature attribution in log-odds units.
type Driver struct {
	Feature string
	Value   float64
}

// Drivers is encoded as a JSON object whose key order is the ranking.
type Drivers []Driver

func (d Drivers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, driver := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(driver.Feature)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(driver.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Drivers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("drivers: expected object, got %v", tok)
	}
	out := Drivers{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("drivers: expected key, got %v", tok)
		}
		var value float64
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("drivers: %s: %w", name, err)
		}
		out = append(out, Driver{Feature: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = out
	return nil
}

func (r *Result) clone() *Result {
	c := *r
	c.Explanation.TopDrivers = append(Drivers(nil), r.Explanation.TopDrivers...)
	return &c
}
