package services

import (
	"github.com/quarrylabs/quarry/internal/core/domain"
)

// Matches decides whether a worker's capability descriptor satisfies a
// job's requirement descriptor. It is pure and total: malformed or
// missing values count as non-match for positive requirements and as
// match (absence) for negative ones, never an error.
//
// Positive rule per key path: if the worker value is a list, the required
// scalar must be a member; if a scalar, it must be equal; a wildcard
// requirement accepts any present worker value.
// Negative rule: the positive rule must NOT hold for the key.
func Matches(caps domain.Capabilities, reqs domain.Requirements) bool {
	for path, required := range reqs.Positive {
		if !satisfies(caps, path, required) {
			return false
		}
	}
	for path, forbidden := range reqs.Negative {
		if satisfies(caps, path, forbidden) {
			return false
		}
	}
	return true
}

// HasService checks the worker's installed service list against a job's
// service category. Workers advertise services under the "services" key,
// either as a list or a single scalar.
func HasService(caps domain.Capabilities, service string) bool {
	if service == "" {
		return false
	}
	v, ok := caps.Resolve("services")
	if !ok {
		return false
	}
	want := domain.StringValue(service)
	if v.Kind == domain.KindList {
		return v.Contains(want)
	}
	return v.Equal(want)
}

func satisfies(caps domain.Capabilities, path string, required domain.CapValue) bool {
	have, ok := caps.Resolve(path)
	if !ok {
		return false
	}
	if required.Kind == domain.KindWildcard {
		return true
	}
	if have.Kind == domain.KindList {
		return have.Contains(required)
	}
	return have.Equal(required)
}
