package social

import (
	"context"
	"fmt"
	"strings"

	"github.com/liamcoop/socialrules/capability"
	"github.com/liamcoop/socialrules/rules"
)

// contentKinds are the entity kinds counted as content a user created
var contentKinds = []string{"node", "post", "group"}

// ContentCreated is true when the user created exactly content_amount pieces of
// content across nodes, posts and groups. The exact match makes a reward fire once,
// when the threshold is reached, rather than on every later save.
func ContentCreated(counter capability.Counter) rules.ConditionDefinition {
	return rules.ConditionDefinition{
		ID:    ContentCreatedID,
		Label: "Content created",
		Params: []rules.Param{
			{Name: "content_amount", Label: "Content amount", Type: rules.TypeInt, Required: true},
			currentUser("user", "User"),
		},
		Evaluate: func(ctx context.Context, args rules.Args) (bool, error) {
			if counter == nil {
				return false, fmt.Errorf("content counter: %w", ErrNotConfigured)
			}

			owner := capability.Filter{"owner": args.Int("user")}
			var total int64
			for _, kind := range contentKinds {
				n, err := counter.Count(ctx, kind, owner)
				if err != nil {
					return false, err
				}
				total += n
			}
			return total == args.Int("content_amount"), nil
		},
	}
}

// ignoredProfileFields are profile fields that never count toward completeness
var ignoredProfileFields = map[string]bool{"field_profile_profile_tag": true}

// ProfileIsComplete is true when every field_* of the profile has a value
func ProfileIsComplete() rules.ConditionDefinition {
	return rules.ConditionDefinition{
		ID:    ProfileIsCompleteID,
		Label: "Profile is complete",
		Params: []rules.Param{
			{Name: "node", Label: "Profile", Type: rules.EntityType("profile"), Required: true},
		},
		Evaluate: func(ctx context.Context, args rules.Args) (bool, error) {
			profile := args.Entity("node")
			for name, value := range profile.Fields {
				if !strings.Contains(name, "field_") || ignoredProfileFields[name] {
					continue
				}
				if isEmptyField(value) {
					return false, nil
				}
			}
			return true, nil
		},
	}
}

func isEmptyField(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		for _, item := range t {
			if !isEmptyField(item) {
				return false
			}
		}
		return true
	case []string:
		for _, item := range t {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
		return true
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
