package crawler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// extractScript builds the complete page snapshot in one browser round-trip:
// fields with hidden-state resolution up the ancestor chain, buttons with the
// shared-ancestor distance to the nearest field, and the generic clickable
// inventory ordered by y-position.
const extractScript = `(maxClickables) => {
	const hiddenByStyle = (el) => {
		const style = window.getComputedStyle(el);
		return style.display === 'none' || style.visibility === 'hidden';
	};
	const isHidden = (el) => {
		for (let node = el; node && node !== document.body; node = node.parentElement) {
			if (node.type === 'hidden') return true;
			if (hiddenByStyle(node)) return true;
			if (node.hasAttribute('hidden')) return true;
			if (node.getAttribute('aria-hidden') === 'true') return true;
			if ((node.className || '').toString().toLowerCase().includes('hidden')) return true;
		}
		return false;
	};
	const xpathOf = (el) => {
		const seg = (n) => {
			let i = 1;
			for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
				if (s.tagName === n.tagName) i++;
			}
			return n.tagName.toLowerCase() + '[' + i + ']';
		};
		const parts = [];
		for (let n = el; n && n.nodeType === Node.ELEMENT_NODE; n = n.parentElement) {
			if (n.id) { parts.unshift("*[@id='" + n.id + "']"); return '//' + parts.join('/'); }
			parts.unshift(seg(n));
		}
		return '/' + parts.join('/');
	};
	const selectorOf = (el) => {
		if (el.id) return '#' + el.id;
		for (const attr of el.attributes) {
			if (attr.name.startsWith('data-test')) return '[' + attr.name + "='" + attr.value + "']";
		}
		const name = el.getAttribute('name');
		if (name) return el.tagName.toLowerCase() + "[name='" + name + "']";
		return 'xpath:' + xpathOf(el);
	};
	const inTable = (el) => {
		for (let n = el; n && n !== document.body; n = n.parentElement) {
			const tag = n.tagName.toLowerCase();
			if (tag === 'table') return true;
			const role = n.getAttribute('role');
			if (role === 'table' || role === 'grid') return true;
			const cls = (n.className || '').toString().toLowerCase();
			if (cls.endsWith('table') || cls.includes('table ')) return true;
		}
		return false;
	};
	const depthToSharedField = (el, fieldEls, limit) => {
		let node = el;
		for (let d = 1; d <= limit && node; d++, node = node.parentElement) {
			for (const f of fieldEls) {
				if (node.contains(f)) return d;
			}
		}
		return 0;
	};

	const fields = {};
	const fieldEls = [];
	let anon = 0;
	document.querySelectorAll('input, select, textarea').forEach((el) => {
		const id = el.id || el.getAttribute('name') || ('__field_' + (anon++));
		fields[id] = {
			id: id,
			tag: el.tagName.toLowerCase(),
			type: el.type || '',
			hidden: isHidden(el),
		};
		if (!isHidden(el)) fieldEls.push(el);
	});

	const buttons = [];
	document.querySelectorAll("button, input[type='button'], input[type='submit'], [role='button']").forEach((el) => {
		if (isHidden(el)) return;
		const text = (el.innerText || el.value || '').trim();
		if (!text) return;
		buttons.push({
			selector: selectorOf(el),
			full_xpath: xpathOf(el),
			text: text,
			tag: el.tagName.toLowerCase(),
			y: Math.round(el.getBoundingClientRect().top),
			in_table: inTable(el),
			shared_depth: depthToSharedField(el, fieldEls, 10),
		});
	});

	const clickables = [];
	const seen = new Set();
	const candidates = document.querySelectorAll(
		"a, button, [onclick], [role='button'], [role='tab'], [role='menuitem']"
	);
	for (const el of candidates) {
		if (clickables.length >= maxClickables) break;
		if (isHidden(el)) continue;
		const text = (el.innerText || '').trim();
		if (!text || text.length > 80) continue;
		const key = text + '|' + el.tagName;
		if (seen.has(key)) continue;
		seen.add(key);
		const opensDropdown = el.getAttribute('data-toggle') === 'dropdown' ||
			el.getAttribute('data-bs-toggle') === 'dropdown' ||
			el.getAttribute('aria-haspopup') === 'true';
		clickables.push({
			selector: selectorOf(el),
			full_xpath: xpathOf(el),
			text: text,
			tag: el.tagName.toLowerCase(),
			y: Math.round(el.getBoundingClientRect().top),
			in_table: inTable(el),
			opens_dropdown: opensDropdown,
		});
	}
	clickables.sort((a, b) => a.y - b.y);

	const h = document.querySelector('h1, h2, .page-title, [role="heading"]');
	return JSON.stringify({
		url: window.location.href,
		title: document.title,
		heading: h ? h.innerText.trim() : '',
		fields: fields,
		buttons: buttons,
		clickables: clickables,
	});
}`

// extractFrom runs the snapshot script against a page
func (e *Engine) extractFrom(ctx context.Context, page playwright.Page) (*PageSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := page.Evaluate(extractScript, e.cfg.MaxClickables)
	if err != nil {
		return nil, fmt.Errorf("running extraction script: %w", err)
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("extraction script returned %T", raw)
	}
	var snap PageSnapshot
	if err := json.Unmarshal([]byte(encoded), &snap); err != nil {
		return nil, fmt.Errorf("decoding page snapshot: %w", err)
	}
	return &snap, nil
}

// ExtractFields runs only the field-map part of the snapshot, for the
// field-change signal between consecutive DOMs
func (e *Engine) ExtractFields(ctx context.Context) (FieldMap, error) {
	snap, err := e.extract(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Fields, nil
}
