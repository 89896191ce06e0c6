package registry

import (
	"github.com/blang/semver"
	"github.com/pkg/errors"
)

// MatchVersion keeps the instances whose version satisfies constraint, a
// range such as ">=1.2.0 <2.0.0". Versions like "1.2" are accepted. Instances
// without a parsable version never match.
func MatchVersion(instances []Instance, constraint string) ([]Instance, error) {
	inRange, err := semver.ParseRange(constraint)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: version range %q", constraint)
	}

	matched := make([]Instance, 0, len(instances))
	for _, instance := range instances {
		v, err := semver.ParseTolerant(instance.Version)
		if err != nil {
			continue
		}
		if inRange(v) {
			matched = append(matched, instance)
		}
	}
	if len(matched) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no instance in version range %q", constraint)
	}
	return matched, nil
}
