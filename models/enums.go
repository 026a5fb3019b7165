package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type ReviewStatus string

const (
	ReviewStatusVerified ReviewStatus = "verified"
	ReviewStatusMissing  ReviewStatus = "missing"
	ReviewStatusDamaged  ReviewStatus = "damaged"
)

var AllReviewStatus = []ReviewStatus{
	ReviewStatusVerified,
	ReviewStatusMissing,
	ReviewStatusDamaged,
}

func (e ReviewStatus) IsValid() bool {
	switch e {
	case ReviewStatusVerified, ReviewStatusMissing, ReviewStatusDamaged:
		return true
	}
	return false
}

func (e ReviewStatus) String() string {
	return string(e)
}

func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch s {
	case "verified":
		return ReviewStatusVerified, nil
	case "missing":
		return ReviewStatusMissing, nil
	case "damaged":
		return ReviewStatusDamaged, nil
	default:
		return "", fmt.Errorf("%w: invalid review status %q", ErrValidation, s)
	}
}

// convert input to enum type
func (e *ReviewStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("review status must be string")
	}
	v, err := ParseReviewStatus(str)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

type AssignmentStatus string

const (
	AssignmentStatusPending   AssignmentStatus = "pending"
	AssignmentStatusSubmitted AssignmentStatus = "submitted"
)

func (e AssignmentStatus) IsValid() bool {
	switch e {
	case AssignmentStatusPending, AssignmentStatusSubmitted:
		return true
	}
	return false
}

func (e AssignmentStatus) String() string {
	return string(e)
}

func (e *AssignmentStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("assignment status must be string")
	}
	switch str {
	case "pending":
		*e = AssignmentStatusPending
	case "submitted":
		*e = AssignmentStatusSubmitted
	default:
		return fmt.Errorf("%w: invalid assignment status %q", ErrValidation, str)
	}
	return nil
}

// FrequencyMonths is the audit cadence recorded on a session.
type FrequencyMonths int

const (
	FrequencyQuarterly  FrequencyMonths = 3
	FrequencySemiAnnual FrequencyMonths = 6
)

func (f FrequencyMonths) IsValid() bool {
	switch f {
	case FrequencyQuarterly, FrequencySemiAnnual:
		return true
	}
	return false
}

func (f FrequencyMonths) String() string {
	return strconv.Itoa(int(f))
}

func (f *FrequencyMonths) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("frequency months must be a number")
	}
	v := FrequencyMonths(n)
	if !v.IsValid() {
		return fmt.Errorf("%w: frequency months must be 3 or 6, got %d", ErrValidation, n)
	}
	*f = v
	return nil
}
