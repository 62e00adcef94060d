package miio

// genericSteps is the fixed poll order for tags every device may support.
var genericSteps = []Tag{
	TagPower,
	TagPowerLoad,
	TagPowerConsumed,
	TagBatteryLevel,
	TagTemperature,
	TagRelativeHumidity,
	TagPM25,
	TagDepth,
	TagBrightness,
	TagIlluminance,
	TagMode,
	TagState,
	TagFanSpeed,
	TagRollAngle,
	TagAdjustableRollAngle,
	TagSwitchableChildLock,
	TagEyecare,
}

// Step is one read in a poll cycle.
type Step struct {
	Tag   Tag
	Child bool
}

// Plan is what a connected client supports, resolved once per connect.
type Plan struct {
	Tags           map[Tag]bool
	Child          bool
	ChildColorable bool
	Families       []string
	Steps          []Step

	translator *Translator
}

// ResolvePlan inspects client and returns the poll plan for this connection.
// Families activate from the tags the client matches and the capabilities
// the device record already has. Steps follow the generic order, with the
// child colour read slotted in ahead of the store values when a colourable
// light child exists, and family steps appended last.
//
// Parameters:
//   - client: The freshly connected client
//   - rc: Capability lookups on the device record
//
// Returns:
//   - *Plan: Never nil; a client matching no tags yields an empty plan
func ResolvePlan(client Client, rc RuleContext) *Plan {
	active := activeFamilies(client, rc)

	p := &Plan{
		Tags:       make(map[Tag]bool),
		translator: NewTranslator(active...),
	}

	for _, tag := range genericSteps {
		if client.Matches(tag) {
			p.Tags[tag] = true
		}
	}
	for _, tag := range []Tag{TagChildren, TagVacuum, TagColor, TagColorable} {
		if client.Matches(tag) {
			p.Tags[tag] = true
		}
	}

	if client.Matches(TagChildren) {
		if child := client.Child(ChildLight); child != nil {
			p.Child = true
			p.ChildColorable = child.Matches(TagColorable)
		}
	}

	seen := make(map[Tag]bool)
	childColor := p.ChildColorable
	for _, tag := range genericSteps {
		// The child light is read between the measurements and the store values.
		if childColor && isStoreTag(tag) {
			p.Steps = append(p.Steps, Step{Tag: TagColor, Child: true})
			childColor = false
		}
		if !p.Tags[tag] {
			continue
		}
		p.Steps = append(p.Steps, Step{Tag: tag})
		seen[tag] = true
	}

	for _, f := range active {
		p.Families = append(p.Families, f.ID)
		for _, tag := range f.Steps {
			if seen[tag] {
				continue
			}
			seen[tag] = true
			p.Tags[tag] = true
			p.Steps = append(p.Steps, Step{Tag: tag})
		}
	}

	return p
}

func isStoreTag(tag Tag) bool {
	switch tag {
	case TagMode, TagState, TagFanSpeed, TagRollAngle, TagAdjustableRollAngle, TagSwitchableChildLock, TagEyecare:
		return true
	}
	return false
}

// Translator returns the rule table for the plan's active families.
func (p *Plan) Translator() *Translator {
	return p.translator
}

// Composite reports whether the device has child sub-devices. Composite
// devices never gain capabilities from telemetry.
func (p *Plan) Composite() bool {
	return p.Tags[TagChildren]
}

// HasFamily reports whether family id is active for this connection.
func (p *Plan) HasFamily(id string) bool {
	for _, f := range p.Families {
		if f == id {
			return true
		}
	}
	return false
}
