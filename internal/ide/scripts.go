// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package ide

import (
	"encoding/json"
	"fmt"
)

// IDE kinds as they appear on the wire.
const (
	kindCursor   = "cursor"
	kindVSCode   = "vscode"
	kindWindsurf = "windsurf"
)

// fileTreeDepth bounds workspace tree walks; IDE panels never need the
// whole monorepo.
const fileTreeDepth = 6

// terminalTimeoutMillis bounds execSync inside the IDE process.
const terminalTimeoutMillis = 120000

// Chat input selectors per IDE product, most specific first. The tail
// entries are shared fallbacks for builds that rename their panels.
var chatInputSelectors = map[string][]string{
	kindCursor: {
		".aislash-editor-input",
		".composer-input textarea",
	},
	kindVSCode: {
		".interactive-input-editor textarea",
		".chat-input-container textarea",
	},
	kindWindsurf: {
		".cascade-input textarea",
		".windsurf-input-box textarea",
	},
}

var newChatSelectors = map[string][]string{
	kindCursor: {
		`[aria-label="New Chat"]`,
		".composer-bar .codicon-plus",
	},
	kindVSCode: {
		`[aria-label="New Chat"]`,
		".interactive-session .codicon-plus",
	},
	kindWindsurf: {
		`[aria-label="New Conversation"]`,
		".cascade-toolbar .codicon-add",
	},
}

var sharedChatInputSelectors = []string{
	`textarea[placeholder*="Ask"]`,
	`[contenteditable="true"][role="textbox"]`,
}

var sharedNewChatSelectors = []string{
	`a[aria-label*="New"]`,
	`button[title*="New Chat"]`,
}

// jsString encodes a Go string as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// jsStrings encodes a slice as a JavaScript array literal.
func jsStrings(values []string) string {
	data, _ := json.Marshal(values)
	return string(data)
}

func selectorsFor(kind string, table map[string][]string, shared []string) []string {
	selectors := append([]string{}, table[kind]...)
	return append(selectors, shared...)
}

// requirePrelude resolves the node require function exposed by the
// Electron renderer. Every script needing node APIs starts with it.
const requirePrelude = `const req = (typeof window !== 'undefined' && window.require) ? window.require : (typeof require === 'function' ? require : null);
if (!req) { throw new Error('node integration unavailable'); }`

// sendChatScript types text into the IDE chat input and submits it.
// The prototype setter dance keeps framework-controlled inputs in sync
// with the injected value.
func sendChatScript(kind, text string) string {
	return fmt.Sprintf(`(() => {
const selectors = %s;
let input = null;
for (const sel of selectors) { input = document.querySelector(sel); if (input) { break; } }
if (!input) { throw new Error('chat input not found'); }
input.focus();
const text = %s;
if ('value' in input) {
  const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(input), 'value');
  if (desc && desc.set) { desc.set.call(input, text); } else { input.value = text; }
} else {
  input.textContent = text;
}
input.dispatchEvent(new Event('input', {bubbles: true}));
input.dispatchEvent(new KeyboardEvent('keydown', {key: 'Enter', code: 'Enter', bubbles: true}));
return 'sent';
})()`, jsStrings(selectorsFor(kind, chatInputSelectors, sharedChatInputSelectors)), jsString(text))
}

// newChatScript clicks the IDE's new-chat control.
func newChatScript(kind string) string {
	return fmt.Sprintf(`(() => {
const selectors = %s;
for (const sel of selectors) {
  const control = document.querySelector(sel);
  if (control) { control.click(); return 'clicked'; }
}
throw new Error('new chat control not found');
})()`, jsStrings(selectorsFor(kind, newChatSelectors, sharedNewChatSelectors)))
}

// terminalScript runs a shell command through the IDE's node runtime
// and returns its combined output. execSync throws on a non-zero exit,
// which surfaces as an evaluation error.
func terminalScript(cmd, cwd string) string {
	opts := fmt.Sprintf(`{encoding: 'utf8', timeout: %d}`, terminalTimeoutMillis)
	if cwd != "" {
		opts = fmt.Sprintf(`{encoding: 'utf8', timeout: %d, cwd: %s}`, terminalTimeoutMillis, jsString(cwd))
	}
	return fmt.Sprintf(`(() => {
%s
const cp = req('child_process');
return cp.execSync(%s, %s);
})()`, requirePrelude, jsString(cmd), opts)
}

// fileTreeScript walks the workspace directory tree and returns it as
// JSON, pruning dependency and VCS directories.
func fileTreeScript(root string) string {
	return fmt.Sprintf(`(() => {
%s
const fs = req('fs');
const path = req('path');
const skip = new Set(['node_modules', '.git', 'dist', 'build', 'vendor']);
const walk = (dir, depth) => {
  const out = [];
  for (const entry of fs.readdirSync(dir, {withFileTypes: true})) {
    if (skip.has(entry.name)) { continue; }
    const p = path.join(dir, entry.name);
    if (entry.isDirectory()) {
      out.push({name: entry.name, path: p, dir: true, children: depth > 1 ? walk(p, depth - 1) : []});
    } else if (entry.isFile()) {
      out.push({name: entry.name, path: p, dir: false});
    }
  }
  return out;
};
return JSON.stringify(walk(%s, %d));
})()`, requirePrelude, jsString(root), fileTreeDepth)
}

// fileContentScript reads one workspace file, refusing paths that
// resolve outside the workspace root.
func fileContentScript(root, relPath string) string {
	return fmt.Sprintf(`(() => {
%s
const fs = req('fs');
const path = req('path');
const root = %s;
const resolved = path.resolve(root, %s);
if (resolved !== root && !resolved.startsWith(root + path.sep)) { throw new Error('path escapes workspace'); }
return fs.readFileSync(resolved, 'utf8');
})()`, requirePrelude, jsString(root), jsString(relPath))
}
