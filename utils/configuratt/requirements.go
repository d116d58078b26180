package configuratt

import (
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// RequirementError records one unmet requirement found in a config tree
type RequirementError struct {
	Location string
	Missing  string
	Err      error
}

func (e RequirementError) Error() string {
	return fmt.Sprintf("%s: requirement '%s' not met: %v", e.Location, e.Missing, e.Err)
}

// CheckRequirements scans the tree for _requires and _contingent keys.
// Contingent subsections whose dependencies are missing are deleted;
// unmet hard requirements are aggregated (and, in strict mode, returned
// as an error).
func CheckRequirements(conf *ordered.Map, bases []*ordered.Map, strict bool) ([]RequirementError, error) {
	var failures []RequirementError
	checkRequirementsWalk(conf, bases, "", &failures)
	if strict && len(failures) > 0 {
		return failures, ConfigError{Msg: fmt.Sprintf("%d unmet configuration requirement(s)", len(failures))}
	}
	return failures, nil
}

func checkRequirementsWalk(conf *ordered.Map, bases []*ordered.Map, location string, failures *[]RequirementError) {
	for _, key := range conf.Keys() {
		sub, ok := conf.Get(key).(*ordered.Map)
		if !ok {
			continue
		}
		subLocation := key
		if location != "" {
			subLocation = location + "." + key
		}

		if names := takeNameList(sub, keyContingent); names != nil {
			missing := firstMissing(names, bases)
			if missing != "" {
				config.DebugLog("configuratt: dropping contingent section %s (missing '%s')", subLocation, missing)
				conf.Delete(key)
				continue
			}
		}
		if names := takeNameList(sub, keyRequires); names != nil {
			if missing := firstMissing(names, bases); missing != "" {
				*failures = append(*failures, RequirementError{
					Location: subLocation,
					Missing:  missing,
					Err:      fmt.Errorf("section '%s' not found", missing),
				})
			}
		}
		checkRequirementsWalk(sub, bases, subLocation, failures)
	}
}

func firstMissing(names []string, bases []*ordered.Map) string {
	for _, name := range names {
		found := false
		for _, base := range bases {
			if _, ok := base.GetDotted(name); ok {
				found = true
				break
			}
		}
		if !found {
			return name
		}
	}
	return ""
}
