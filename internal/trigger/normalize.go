package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// DefaultDedupWindow is how long a fingerprint counts as recently seen.
const DefaultDedupWindow = 24 * time.Hour

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Log is the append-only trigger audit log.
type Log interface {
	AppendTrigger(ctx context.Context, rec *Record) error
	FingerprintSeenSince(ctx context.Context, fingerprint string, since time.Time) (bool, error)
}

// Decode parses body as the payload type for category.
func Decode(category Category, body []byte) (Payload, error) {
	var p Payload
	switch category {
	case CategorySecurity:
		p = &Security{}
	case CategoryOperational:
		p = &Operational{}
	case CategoryCompliance:
		p = &Compliance{}
	case CategoryStrategic:
		p = &Strategic{}
	default:
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidTrigger, category)
	}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidTrigger, err)
	}
	return p, nil
}

// Validate checks required fields and value ranges of p.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidTrigger)
	}
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: missing or invalid fields: %s", ErrInvalidTrigger, strings.Join(fields, ", "))
}

// Normalize validates p and builds its Record. receivedAt stamps the record
// and fills OccurredAt when the payload omits it.
func Normalize(p Payload, receivedAt time.Time) (*Record, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	env := p.envelope()
	rec := &Record{
		ID:          ulid.Make().String(),
		Category:    p.Category(),
		AssetID:     strings.TrimSpace(env.AssetID),
		Title:       strings.TrimSpace(env.Title),
		Description: strings.TrimSpace(env.Description),
		Source:      strings.TrimSpace(env.Source),
		Resolved:    env.Resolved,
		OccurredAt:  env.OccurredAt.UTC(),
		ReceivedAt:  receivedAt.UTC(),
		Payload:     p,
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = rec.ReceivedAt
	}

	var identity []string
	var title string
	switch t := p.(type) {
	case *Security:
		rec.Type = canon(t.Type)
		rec.ServiceIDs = canonSet(t.AffectedServices)
		cve := strings.ToUpper(strings.TrimSpace(t.CVEID))
		identity = append([]string{cve}, rec.ServiceIDs...)
		title = fmt.Sprintf("%s affecting %s", rec.Type, strings.Join(rec.ServiceIDs, ", "))
		if cve != "" {
			title = cve + " " + title
		}
	case *Operational:
		rec.Type = canon(t.Type)
		rec.ServiceIDs = []string{strings.TrimSpace(t.ServiceID)}
		identity = []string{rec.ServiceIDs[0], canon(t.ImpactScope)}
		title = fmt.Sprintf("%s on %s (%s)", rec.Type, rec.ServiceIDs[0], canon(t.ImpactScope))
	case *Compliance:
		rec.Type = canon(t.Type)
		rec.ServiceIDs = canonSet(t.ServiceIDs)
		framework := canon(t.ControlFramework)
		control := strings.TrimSpace(t.ControlID)
		identity = append([]string{framework, control}, rec.ServiceIDs...)
		title = strings.TrimSpace(fmt.Sprintf("%s %s gap: %s", framework, control, rec.Type))
	case *Strategic:
		rec.Type = canon(t.Type)
		if sid := strings.TrimSpace(t.ServiceID); sid != "" {
			rec.ServiceIDs = []string{sid}
		}
		initiative := strings.TrimSpace(t.Initiative)
		identity = []string{canon(initiative), rec.PrimaryServiceID()}
		title = rec.Type
		if initiative != "" {
			title = fmt.Sprintf("%s: %s", rec.Type, initiative)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidTrigger, p)
	}

	if rec.Title == "" {
		rec.Title = title
	}
	rec.Fingerprint = Fingerprint(rec.Category, rec.Type, identity...)
	return rec, nil
}

// Fingerprint hashes a category, a type and the identifying fields of a
// signal. Identical inputs always produce the same value.
func Fingerprint(category Category, typ string, identity ...string) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0x1f})
	h.Write([]byte(canon(typ)))
	for _, part := range identity {
		h.Write([]byte{0x1f})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func canon(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func canonSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Normalized is the outcome of running a raw payload through a Normalizer.
type Normalized struct {
	Record *Record
	// Duplicate is true when the fingerprint was seen within the dedup window.
	Duplicate bool
}

// Normalizer validates inbound payloads, checks the dedup window and
// appends every decodable trigger to the audit log.
type Normalizer struct {
	log    Log
	window time.Duration
	now    func() time.Time
}

// NewNormalizer creates a Normalizer. A non-positive window uses DefaultDedupWindow.
func NewNormalizer(l Log, window time.Duration, now func() time.Time) *Normalizer {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{log: l, window: window, now: now}
}

// Window returns the dedup window.
func (n *Normalizer) Window() time.Duration { return n.window }

// Normalize decodes body for category and records it. Payloads failing
// validation are still written to the audit log with a reject reason before
// ErrInvalidTrigger is returned.
func (n *Normalizer) Normalize(ctx context.Context, category Category, body []byte) (*Normalized, error) {
	p, err := Decode(category, body)
	if err != nil {
		return nil, err
	}
	return n.NormalizePayload(ctx, p, body)
}

// NormalizePayload is Normalize for an already decoded payload.
func (n *Normalizer) NormalizePayload(ctx context.Context, p Payload, raw []byte) (*Normalized, error) {
	now := n.now().UTC()

	rec, verr := Normalize(p, now)
	if verr != nil {
		if p == nil {
			return nil, verr
		}
		rejected := &Record{
			ID:           ulid.Make().String(),
			Category:     p.Category(),
			Title:        p.envelope().Title,
			ReceivedAt:   now,
			OccurredAt:   now,
			RejectReason: verr.Error(),
			Raw:          raw,
		}
		if err := n.log.AppendTrigger(ctx, rejected); err != nil {
			return nil, errors.Join(verr, fmt.Errorf("record rejected trigger: %w", err))
		}
		return nil, verr
	}
	rec.Raw = raw

	seen, err := n.log.FingerprintSeenSince(ctx, rec.Fingerprint, now.Add(-n.window))
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if err := n.log.AppendTrigger(ctx, rec); err != nil {
		return nil, fmt.Errorf("record trigger: %w", err)
	}
	return &Normalized{Record: rec, Duplicate: seen}, nil
}
