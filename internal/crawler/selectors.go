package crawler

import (
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"
)

// fullXPathScript walks up from the element building a positional XPath. An
// ancestor with an id anchors the path there instead of going all the way to
// /html/body.
const fullXPathScript = `el => {
	const segment = (node) => {
		let index = 1;
		for (let sib = node.previousElementSibling; sib; sib = sib.previousElementSibling) {
			if (sib.tagName === node.tagName) index++;
		}
		return node.tagName.toLowerCase() + '[' + index + ']';
	};
	const parts = [];
	let node = el;
	while (node && node.nodeType === Node.ELEMENT_NODE) {
		if (node.id) {
			parts.unshift("*[@id='" + node.id + "']");
			return '//' + parts.join('/');
		}
		parts.unshift(segment(node));
		node = node.parentElement;
	}
	return '/' + parts.join('/');
}`

// UniqueSelector returns a full XPath for the element, anchored at the
// nearest ancestor with an id
func UniqueSelector(loc playwright.Locator) (string, error) {
	result, err := loc.Evaluate(fullXPathScript, nil)
	if err != nil {
		return "", fmt.Errorf("building xpath: %w", err)
	}
	xpath, ok := result.(string)
	if !ok || xpath == "" {
		return "", fmt.Errorf("xpath script returned %T", result)
	}
	return xpath, nil
}

// cssCandidateScript reports the attributes a CSS selector can be built from
const cssCandidateScript = `el => ({
	id: el.id || '',
	tag: el.tagName.toLowerCase(),
	name: el.getAttribute('name') || '',
	dataTest: (() => {
		for (const attr of el.attributes) {
			if (attr.name.startsWith('data-test')) return attr.name + '=' + attr.value;
		}
		return '';
	})(),
	classes: (typeof el.className === 'string' ? el.className : '').trim(),
})`

type cssCandidates struct {
	id       string
	tag      string
	name     string
	dataTest string
	classes  string
}

// CSSPreferredSelector builds the selector persisted into routes: id first,
// then data-test attributes, then name, then a tag+class combination verified
// unique on the page, and finally the full XPath with an xpath: prefix.
func CSSPreferredSelector(page playwright.Page, loc playwright.Locator) (string, error) {
	raw, err := loc.Evaluate(cssCandidateScript, nil)
	if err != nil {
		return "", fmt.Errorf("inspecting element: %w", err)
	}
	c := decodeCandidates(raw)

	if c.id != "" && !strings.ContainsAny(c.id, " :.[]#") {
		return "#" + c.id, nil
	}
	if c.dataTest != "" {
		if name, value, ok := strings.Cut(c.dataTest, "="); ok {
			return fmt.Sprintf("[%s='%s']", name, value), nil
		}
	}
	if c.name != "" {
		sel := fmt.Sprintf("%s[name='%s']", c.tag, c.name)
		if isUniqueOnPage(page, sel) {
			return sel, nil
		}
	}
	if c.classes != "" {
		classes := strings.Fields(c.classes)
		sel := c.tag + "." + strings.Join(classes, ".")
		if !strings.ContainsAny(sel, ":[]") && isUniqueOnPage(page, sel) {
			return sel, nil
		}
	}

	xpath, err := UniqueSelector(loc)
	if err != nil {
		return "", err
	}
	return "xpath:" + xpath, nil
}

func decodeCandidates(raw any) cssCandidates {
	m, ok := raw.(map[string]any)
	if !ok {
		return cssCandidates{}
	}
	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}
	return cssCandidates{
		id:       str("id"),
		tag:      str("tag"),
		name:     str("name"),
		dataTest: str("dataTest"),
		classes:  str("classes"),
	}
}

func isUniqueOnPage(page playwright.Page, selector string) bool {
	count, err := page.Locator(selector).Count()
	return err == nil && count == 1
}
