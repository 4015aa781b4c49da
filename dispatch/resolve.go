package dispatch

import (
	"fmt"
	"sort"
	"strings"

	fusion "github.com/vinkius-labs/mcp-fusion"
)

// resolveAction maps the call's discriminator value to a registered
// action. A missing or non-string discriminator, or an unknown value,
// produces a coaching error envelope listing the valid keys; resolution
// itself has no side effects.
func resolveAction(tool *fusion.Tool, rawArgs map[string]any) (*fusion.Action, *rejection) {
	field := tool.Discriminator()

	value, present := rawArgs[field]
	key, isString := value.(string)
	if !present || !isString {
		msg := fmt.Sprintf("required field %q is missing.\n", field)
		if present {
			msg = fmt.Sprintf("field %q must be a string, got %T.\n", field, value)
		}
		return nil, &rejection{
			code: fusion.ErrorCodeMissingDiscriminator,
			result: fusion.ErrorResult(fusion.ErrorCodeMissingDiscriminator,
				msg+validKeysLine(tool)+
					fmt.Sprintf("\nResubmit with %q set to one of the values above.", field)),
		}
	}

	action, ok := tool.Action(key)
	if !ok {
		return nil, &rejection{
			code: fusion.ErrorCodeUnknownAction,
			result: fusion.ErrorResult(fusion.ErrorCodeUnknownAction,
				fmt.Sprintf("%q is not an action of tool %q.\n", key, tool.Name())+
					validKeysLine(tool)+
					fmt.Sprintf("\nResubmit with %q set to one of the values above.", field)),
		}
	}

	return action, nil
}

// validKeysLine renders the registered action keys, sorted for stable
// output.
func validKeysLine(tool *fusion.Tool) string {
	keys := tool.ActionKeys()
	sort.Strings(keys)
	return "Valid values: " + strings.Join(keys, ", ")
}
