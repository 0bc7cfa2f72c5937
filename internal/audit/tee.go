package audit

import "errors"

// Tee fans each entry out to several sinks. A failing sink does not stop
// the others; the errors are joined.
type Tee []Sink

func (t Tee) Record(e Entry) error {
	var errs []error
	for _, s := range t {
		if err := s.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(Entry) error { return nil }
func (Discard) Close() error       { return nil }
