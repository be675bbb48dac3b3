package document

import (
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/charlesng35/collabd/internal/session"
	"github.com/charlesng35/collabd/internal/wire"
	apperrors "github.com/charlesng35/collabd/pkg/errors"
	"github.com/charlesng35/collabd/pkg/validator"
)

// Session-specific user fields.
const (
	FieldHue   = "hue"
	FieldCaret = "caret"
)

// userAttrs is the attribute set of a user element.
type userAttrs struct {
	Name   *string  `mapstructure:"name"`
	ID     *uint    `mapstructure:"id"`
	Status *string  `mapstructure:"status"`
	Hue    *float64 `mapstructure:"hue"`
	Caret  *uint    `mapstructure:"caret"`
}

// userRecord is the validated shape of a user.
type userRecord struct {
	Name  string   `json:"name" validate:"required,max=64,username"`
	Hue   *float64 `json:"hue" validate:"omitempty,gte=0,lte=1"`
	Caret *uint    `json:"caret"`
}

func decodeUserAttrs(msg *wire.Message) (userAttrs, error) {
	var attrs userAttrs
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &attrs,
	})
	if err != nil {
		return attrs, err
	}
	if err := decoder.Decode(msg.Attrs); err != nil {
		return attrs, apperrors.ErrInvalidAttribute.
			WithMessage("Invalid user attributes in %q", msg.Name).
			WithInternal(err)
	}
	return attrs, nil
}

// UserFieldsFromMessage extracts the construction fields of a user from msg. Only the
// fields present in msg are set.
func (s *Session) UserFieldsFromMessage(_ session.Connection, msg *wire.Message) (session.UserFields, error) {
	attrs, err := decodeUserAttrs(msg)
	if err != nil {
		return session.UserFields{}, err
	}

	var fields session.UserFields
	if attrs.Name != nil {
		fields.Name = attrs.Name
	}
	if attrs.ID != nil {
		fields = fields.WithID(*attrs.ID)
	}
	if attrs.Status != nil {
		status, err := session.ParseUserStatus(*attrs.Status)
		if err != nil {
			return session.UserFields{}, err
		}
		fields = fields.WithStatus(status)
	}
	if attrs.Hue != nil {
		fields = fields.WithExtra(FieldHue, strconv.FormatFloat(*attrs.Hue, 'f', -1, 64))
	}
	if attrs.Caret != nil {
		fields = fields.WithExtra(FieldCaret, strconv.FormatUint(uint64(*attrs.Caret), 10))
	}
	return fields, nil
}

// ValidateUserFields checks the field values and their uniqueness in the user table.
// exclude is skipped by the uniqueness checks.
func (s *Session) ValidateUserFields(fields session.UserFields, exclude *session.User) error {
	if fields.Name == nil {
		return apperrors.ErrMissingAttribute.WithMessage(`User has no "name"`)
	}
	if fields.ID == nil {
		return apperrors.ErrMissingAttribute.WithMessage(`User has no "id"`)
	}

	record := userRecord{Name: *fields.Name}
	if raw, ok := fields.Extra[FieldHue]; ok {
		hue, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return apperrors.ErrInvalidAttribute.WithMessage("Invalid hue %q", raw).WithInternal(err)
		}
		record.Hue = &hue
	}
	if raw, ok := fields.Extra[FieldCaret]; ok {
		caret, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return apperrors.ErrInvalidAttribute.WithMessage("Invalid caret %q", raw).WithInternal(err)
		}
		c := uint(caret)
		record.Caret = &c
	}
	if err := validator.ValidateStruct(record); err != nil {
		return apperrors.ErrInvalidAttribute.WithMessage("%s", err.Error()).WithInternal(err)
	}

	if u := s.users.Lookup(*fields.ID); u != nil && u != exclude {
		return apperrors.ErrIDInUse.WithMessage("ID %d already in use", *fields.ID)
	}
	if u := s.users.LookupByName(*fields.Name); u != nil && u != exclude {
		return apperrors.ErrNameInUse.WithMessage("Name %q already in use", *fields.Name)
	}
	return nil
}

// UserToMessage writes the full user record into msg.
func (s *Session) UserToMessage(u *session.User, msg *wire.Message) {
	msg.SetUintAttr(wire.AttrID, u.ID())
	msg.SetAttr(wire.AttrName, u.Name())
	msg.SetAttr(wire.AttrStatus, u.Status().String())
	for _, key := range u.ExtraKeys() {
		v, _ := u.Extra(key)
		msg.SetAttr(key, v)
	}
}
