package rooms

import (
	"fmt"
	"strings"
	"unicode/utf8"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/pkg/models"
)

const (
	MinNameLength        = 3
	MaxNameLength        = 50
	MaxDescriptionLength = 255

	DefaultMinPasswordLength = 6
)

// Policy is the client-side room creation policy.
type Policy struct {
	MinPasswordLength int
	// MinPasswordEntropy enables an entropy floor in bits; 0 disables it.
	MinPasswordEntropy float64
}

// ValidateSpec checks a room spec before any network call and returns it
// with name and description trimmed.
func ValidateSpec(spec models.RoomSpec, policy Policy) (models.RoomSpec, error) {
	if policy.MinPasswordLength <= 0 {
		policy.MinPasswordLength = DefaultMinPasswordLength
	}

	spec.Name = strings.TrimSpace(spec.Name)
	spec.Description = strings.TrimSpace(spec.Description)

	nameLen := utf8.RuneCountInString(spec.Name)
	if nameLen < MinNameLength || nameLen > MaxNameLength {
		return spec, apperrors.Validation(fmt.Sprintf("room name must be between %d and %d characters", MinNameLength, MaxNameLength))
	}
	if utf8.RuneCountInString(spec.Description) > MaxDescriptionLength {
		return spec, apperrors.Validation(fmt.Sprintf("description cannot exceed %d characters", MaxDescriptionLength))
	}

	if !spec.IsPrivate {
		if spec.Password != "" {
			return spec, apperrors.Validation("public rooms cannot have a password")
		}
		return spec, nil
	}

	if spec.Password == "" {
		return spec, apperrors.Validation("private rooms require a password")
	}
	if utf8.RuneCountInString(spec.Password) < policy.MinPasswordLength {
		return spec, apperrors.Validation(fmt.Sprintf("password must be at least %d characters", policy.MinPasswordLength))
	}
	if policy.MinPasswordEntropy > 0 {
		if err := passwordvalidator.Validate(spec.Password, policy.MinPasswordEntropy); err != nil {
			return spec, apperrors.New(apperrors.CodeValidation, "password is too weak", err)
		}
	}
	return spec, nil
}
