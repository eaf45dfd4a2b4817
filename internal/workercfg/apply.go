package workercfg

// Apply overwrites the keys covered by profile and returns the new document.
// The input is validated first and the output is validated before it is
// returned, so a SchemaViolation never comes with a partial document.
// Apply is pure and idempotent.
func (s *Schema) Apply(profile ResourceProfile, doc Document) (Document, error) {
	if err := s.Validate(doc); err != nil {
		return Document{}, err
	}

	out := doc.Clone()
	for _, o := range profile.overrides() {
		f, ok := s.fields[o.key]
		if !ok {
			return Document{}, &SchemaViolation{Key: o.key, Reason: "profile covers a key the schema does not know"}
		}
		if err := f.check(o.value); err != nil {
			return Document{}, err
		}
		out.values[o.key] = o.value
	}

	if err := s.Validate(out); err != nil {
		return Document{}, err
	}
	return out, nil
}

// Apply applies profile to doc using the bot schema.
func Apply(profile ResourceProfile, doc Document) (Document, error) {
	return BotSchema().Apply(profile, doc)
}
