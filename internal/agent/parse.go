package agent

import "strings"

// parseSections splits a sectioned completion into findings, sources and
// insights. A section opens at a line whose first word is FINDINGS, SOURCES
// or INSIGHTS followed by a colon, case-insensitive, ignoring markdown
// heading marks; every non-empty line until the next header is one item,
// with bullet and numbering prefixes stripped. Entirely unstructured text
// becomes a single finding, so nothing the model said is ever lost.
func parseSections(text string) (findings, sources, insights []string) {
	var current *[]string
	structured := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if section, rest, ok := sectionHeader(line); ok {
			structured = true
			switch section {
			case "FINDINGS":
				current = &findings
			case "SOURCES":
				current = &sources
			case "INSIGHTS":
				current = &insights
			}
			if rest != "" {
				*current = append(*current, rest)
			}
			continue
		}

		if current != nil {
			*current = append(*current, stripMarker(line))
		}
	}

	if !structured {
		if t := strings.TrimSpace(text); t != "" {
			findings = []string{t}
		}
	}
	return findings, sources, insights
}

// sectionHeader matches "FINDINGS:", "## Sources: inline item" and the
// KEY_FINDINGS spelling some models prefer.
func sectionHeader(line string) (section, rest string, ok bool) {
	line = strings.TrimLeft(line, "#* ")

	name, rest, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}

	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "FINDINGS", "KEY_FINDINGS", "KEY FINDINGS":
		section = "FINDINGS"
	case "SOURCES":
		section = "SOURCES"
	case "INSIGHTS":
		section = "INSIGHTS"
	default:
		return "", "", false
	}
	return section, strings.TrimSpace(rest), true
}

// stripMarker removes a leading bullet or "1." / "1)" numbering.
func stripMarker(line string) string {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}

	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
