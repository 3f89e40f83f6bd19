package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

const (
	maxBodyBytes   = 1 << 20
	maxDecimalText = 32
)

// decodeBody reads a single JSON object from the request, calling field for
// every key.
func decodeBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	d := jx.Decode(body, 4096)
	if err := d.Obj(field); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.New("request body must be a JSON object")
		}
		return err
	}
	return nil
}

// readDecimal reads a currency amount given as a JSON number or string.
func readDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = string(n)
	default:
		return decimal.Zero, errors.New("expected number")
	}
	if len(raw) > maxDecimalText {
		return decimal.Zero, errors.New("number too long")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse decimal %q", raw)
	}
	if err := voucher.CheckAmount(v); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}

func readStrings(d *jx.Decoder) ([]string, error) {
	out := []string{}
	if d.Next() == jx.Null {
		return out, d.Null()
	}
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func readTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}

// fieldError prefixes err with the JSON field it came from.
func fieldError(key string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "field %q", key)
}

// decodeOrderField fills the order context fields shared by the preview and
// applicable requests. It reports whether key was consumed.
func decodeOrderField(d *jx.Decoder, key string, o *voucher.OrderContext) (bool, error) {
	var err error
	switch key {
	case "userId":
		o.UserID, err = d.Str()
	case "subtotal":
		o.Subtotal, err = readDecimal(d)
	case "productIds":
		o.ProductIDs, err = readStrings(d)
	case "customerLevel":
		o.CustomerLevel, err = d.Str()
	default:
		return false, nil
	}
	return true, fieldError(key, err)
}

// decodeDefinition reads a voucher definition. Omitted "enabled" defaults to
// true and an omitted audience means all users.
func decodeDefinition(d *jx.Decoder, key string, def *voucher.Definition) error {
	var err error
	switch key {
	case "code":
		def.Code, err = d.Str()
	case "description":
		def.Description, err = d.Str()
	case "discountKind":
		var s string
		s, err = d.Str()
		def.Kind = voucher.DiscountKind(s)
	case "discountValue":
		def.Value, err = readDecimal(d)
	case "minimumOrderValue":
		def.MinimumOrderValue, err = readDecimal(d)
	case "validFrom":
		def.ValidFrom, err = readTime(d)
	case "validUntil":
		def.ValidUntil, err = readTime(d)
	case "usageLimit":
		def.UsageLimit, err = d.Int()
	case "productScope":
		def.ProductScope, err = readStrings(d)
	case "enabled":
		def.Enabled, err = d.Bool()
	case "audience":
		def.Audience = voucher.Audience{}
		err = d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "allUsers":
				def.Audience.AllUsers, err = d.Bool()
			case "customerLevels":
				def.Audience.CustomerLevels, err = readStrings(d)
			default:
				err = d.Skip()
			}
			return fieldError("audience."+key, err)
		})
		return err
	default:
		return d.Skip()
	}
	return fieldError(key, err)
}

// DecodeDefinition reads one voucher definition object from d.
func DecodeDefinition(d *jx.Decoder) (voucher.Definition, error) {
	def := newDefinition()
	err := d.Obj(func(d *jx.Decoder, key string) error {
		return decodeDefinition(d, key, &def)
	})
	return def, err
}

func newDefinition() voucher.Definition {
	return voucher.Definition{
		Enabled:  true,
		Audience: voucher.Audience{AllUsers: true},
	}
}

func encodeDecimal(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.String()))
}

func encodeStrings(e *jx.Encoder, ss []string) {
	e.ArrStart()
	for _, s := range ss {
		e.Str(s)
	}
	e.ArrEnd()
}

func encodeVoucher(e *jx.Encoder, v *voucher.Voucher) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(v.ID)
	e.FieldStart("code")
	e.Str(v.Code)
	e.FieldStart("description")
	e.Str(v.Description)
	e.FieldStart("discountKind")
	e.Str(string(v.Kind))
	e.FieldStart("discountValue")
	encodeDecimal(e, v.Value)
	e.FieldStart("minimumOrderValue")
	encodeDecimal(e, v.MinimumOrderValue)
	e.FieldStart("validFrom")
	e.Str(v.ValidFrom.UTC().Format(time.RFC3339))
	e.FieldStart("validUntil")
	e.Str(v.ValidUntil.UTC().Format(time.RFC3339))
	e.FieldStart("usageLimit")
	e.Int(v.UsageLimit)
	e.FieldStart("usedCount")
	e.Int(v.UsedCount)
	e.FieldStart("productScope")
	encodeStrings(e, v.ProductScope)
	e.FieldStart("audience")
	e.ObjStart()
	e.FieldStart("allUsers")
	e.Bool(v.Audience.AllUsers)
	e.FieldStart("customerLevels")
	encodeStrings(e, v.Audience.CustomerLevels)
	e.ObjEnd()
	e.FieldStart("enabled")
	e.Bool(v.Enabled)
	e.FieldStart("createdAt")
	e.Str(v.CreatedAt.UTC().Format(time.RFC3339))
	e.FieldStart("updatedAt")
	e.Str(v.UpdatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}
