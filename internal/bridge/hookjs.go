package bridge

import (
	"encoding/json"
	"fmt"
)

// DefaultMutationNames are the store mutation names treated as "new message
// arrived". The upstream app renames these across releases, so the list is
// configuration, not code.
var DefaultMutationNames = []string{
	"updateNewMsg",
	"onReceiveMsg",
	"putMsg",
	"addMsg",
	"receiveMsg",
	"onMsg",
	"updateCurrSessionMsgs",
}

// detectScript probes a candidate page for a reactive root on #app. A
// non-empty result marks the page as the IM view.
const detectScript = `() => {
	var el = document.querySelector('#app');
	if (el && el.__vue__ && el.__vue__.$store) return 'vue2';
	if (el && el.__vue_app__) return 'vue3';
	return '';
}`

// pollScript drains the in-page event queue.
const pollScript = `() => {
	var q = window.__RELAY_MSG_QUEUE__ || [];
	window.__RELAY_MSG_QUEUE__ = [];
	return JSON.stringify(q);
}`

// myIDScript extracts the logged-in account id for echo suppression.
const myIDScript = `() => {
	var sdk = window.__RELAY_SDK__;
	if (sdk && sdk.account) return sdk.account;
	var el = document.querySelector('#app');
	if (el && el.__vue__ && el.__vue__.$store) {
		var s = el.__vue__.$store.state;
		if (s.myInfo && s.myInfo.account) return s.myInfo.account;
		if (s.userInfo && s.userInfo.account) return s.userInfo.account;
		if (s.loginInfo && s.loginInfo.account) return s.loginInfo.account;
		if (s.nim && s.nim.account) return s.nim.account;
	}
	return '';
}`

// sessionInfoScript snapshots the active session plus the recent session
// list from the store.
const sessionInfoScript = `() => {
	try {
		var app = document.querySelector('#app');
		var store = null;
		if (app && app.__vue_app__) {
			store = app.__vue_app__.config.globalProperties.$store;
		} else if (app && app.__vue__ && app.__vue__.$store) {
			store = app.__vue__.$store;
		}
		if (store && store.state) {
			var state = store.state;
			var currSession = state.currSessionId || state.currentSessionId || '';
			var sessions = [];
			var list = state.sessionList || state.sessions || [];
			for (var i = 0; i < Math.min(list.length, 30); i++) {
				var s = list[i];
				sessions.push({
					id: s.id || s.sessionId || '',
					name: s.name || s.nick || s.title || '',
					lastMsg: (s.lastMsg && s.lastMsg.text) || (s.lastMsg && s.lastMsg.content) || '',
					unread: s.unread || 0
				});
			}
			return JSON.stringify({ok: true, currSession: currSession, sessions: sessions});
		}
	} catch(e) {
		return JSON.stringify({ok: false, error: e.message});
	}
	return JSON.stringify({ok: false, error: 'reactive app not found'});
}`

// fetchChatScript extracts the full message list of the currently open
// session from the store, for history back-fill.
const fetchChatScript = `() => {
	try {
		var app = document.querySelector('#app');
		var store = app && app.__vue__ && app.__vue__.$store;
		if (!store || !store.state) return JSON.stringify({ok: false, error: 'store not found'});
		var state = store.state;
		var curr = state.currSessionId || state.currentSessionId || '';
		var msgs = [];
		var raw = (state.currSessionMsgs || state.msgs && state.msgs[curr] || state.messages || []);
		if (!Array.isArray(raw) && raw && typeof raw === 'object') {
			raw = Object.values(raw);
		}
		for (var i = 0; i < (raw || []).length; i++) {
			var m = raw[i];
			if (!m || typeof m !== 'object') continue;
			msgs.push({
				from: m.from || m.fromAccount || '',
				fromNick: m.fromNick || m.nick || '',
				text: m.text || '',
				time: m.time || 0,
				idClient: m.idClient || m.id || '',
				flow: m.flow || ''
			});
		}
		return JSON.stringify({ok: true, currSession: curr, msgs: msgs});
	} catch(e) {
		return JSON.stringify({ok: false, error: e.message});
	}
}`

// buildHookScript renders the hook installer. It installs, in order of
// preference:
//  1. a store mutation subscriber filtered by mutationNames (plus a broader
//     fallback accepting any *msg* mutation whose payload looks like a
//     message), pushing normalised events onto a per-page queue;
//  2. a walker that locates the first object with a callable sendText
//     (direct state, one level nested, and all store modules) and records it
//     for the send path;
//  3. a DOM mutation observer on the chat message container as a backup,
//     emitting synthetic-id events.
//
// The script is idempotent: re-running clears nothing and re-subscribing is
// guarded by a flag. It returns {ok, methods} describing which strategies
// took.
func buildHookScript(mutationNames []string) string {
	if len(mutationNames) == 0 {
		mutationNames = DefaultMutationNames
	}
	namesJSON, _ := json.Marshal(mutationNames)

	return fmt.Sprintf(`() => {
	window.__RELAY_MSG_QUEUE__ = window.__RELAY_MSG_QUEUE__ || [];
	var methods = [];
	var MUTATION_NAMES = %s;

	function pushMsg(msg) { window.__RELAY_MSG_QUEUE__.push(msg); }

	function findSendable(store) {
		if (window.__RELAY_SDK__) return;
		try {
			var state = store.state;
			Object.keys(state).forEach(function(k) {
				try {
					var v = state[k];
					if (v && typeof v === 'object' && typeof v.sendText === 'function') {
						window.__RELAY_SDK__ = v;
					}
					if (v && typeof v === 'object' && !window.__RELAY_SDK__) {
						Object.keys(v).forEach(function(k2) {
							try {
								var v2 = v[k2];
								if (v2 && typeof v2 === 'object' && typeof v2.sendText === 'function') {
									window.__RELAY_SDK__ = v2;
								}
							} catch(e) {}
						});
					}
				} catch(e) {}
			});
			if (!window.__RELAY_SDK__ && store._modules && store._modules.root) {
				(function searchModules(mod) {
					if (!mod || !mod._children || window.__RELAY_SDK__) return;
					Object.keys(mod._children).forEach(function(k) {
						var child = mod._children[k];
						if (child && child.state) {
							Object.keys(child.state).forEach(function(sk) {
								try {
									var v = child.state[sk];
									if (v && typeof v === 'object' && typeof v.sendText === 'function') {
										window.__RELAY_SDK__ = v;
									}
								} catch(e) {}
							});
						}
						searchModules(child);
					});
				})(store._modules.root);
			}
		} catch(e) {}
	}

	function extractAttachment(msg) {
		var file = msg.file || msg.attach || null;
		if (!file || typeof file !== 'object' || !(file.url || file.name)) return null;
		var ext = (file.ext || '').toLowerCase();
		return {
			url: file.url || '',
			name: file.name || '',
			ext: ext,
			size: file.size || 0,
			isImage: msg.type === 'image' || ['jpg','jpeg','png','gif','webp'].indexOf(ext) >= 0
		};
	}

	function tryStoreSubscribe() {
		var store = null;
		try {
			var el = document.querySelector('#app');
			if (el && el.__vue__ && el.__vue__.$store) {
				store = el.__vue__.$store;
				findSendable(store);
			} else if (el && el.__vue_app__) {
				store = el.__vue_app__.config.globalProperties.$store;
			}
		} catch(e) {}
		if (!store) return false;

		if (window.__RELAY_SUBSCRIBED__) return true;
		window.__RELAY_SUBSCRIBED__ = true;

		var hookTime = Date.now();
		window.__RELAY_HOOK_TIME__ = hookTime;
		var seenIds = {};

		store.subscribe(function(mutation, state) {
			try {
				var type = mutation.type || '';
				var isNewMsg = false;
				for (var i = 0; i < MUTATION_NAMES.length; i++) {
					if (type.indexOf(MUTATION_NAMES[i]) >= 0) { isNewMsg = true; break; }
				}
				if (!isNewMsg && (type.indexOf('Msg') >= 0 || type.indexOf('msg') >= 0)) {
					var p = mutation.payload;
					if (p && typeof p === 'object' && p.text && (p.from || p.fromNick) && p.time) {
						isNewMsg = true;
					}
				}
				if (!isNewMsg) return;

				var payload = mutation.payload;
				if (!payload) return;
				var msgs = Array.isArray(payload) ? payload : (payload.msg ? [payload.msg] : [payload]);

				msgs.forEach(function(msg) {
					if (!msg || typeof msg !== 'object') return;
					var text = msg.text || '';
					var attachment = extractAttachment(msg);
					if ((!text || typeof text !== 'string') && !attachment) return;
					if (text && (text.charAt(0) === '{' || text.charAt(0) === '[')) return;

					var from = msg.from || msg.fromAccount || msg.account || '';
					var sessionId = msg.sessionId || msg.to || '';
					var msgTime = msg.time || 0;

					// Skip history replayed into the store around hook install.
					if (msgTime && msgTime < hookTime - 5000) return;

					var idClient = msg.idClient || msg.id || '';
					if (idClient && seenIds[idClient]) return;
					if (idClient) seenIds[idClient] = true;

					if (!sessionId || (sessionId.indexOf('p2p') < 0 && sessionId.indexOf('team') < 0)) return;

					pushMsg({
						source: 'vuex',
						mutationType: type,
						sessionId: sessionId,
						from: from,
						fromNick: msg.fromNick || msg.nick || '',
						text: typeof text === 'string' ? text : '',
						msgType: msg.type || 'text',
						time: msgTime || Date.now(),
						idClient: idClient,
						flow: msg.flow || '',
						attachment: attachment
					});
				});
			} catch(e) {}
		});
		return true;
	}

	function tryDOMObserver() {
		if (window.__RELAY_DOM_OBSERVER__) return true;
		var container = document.querySelector('.session-chat') ||
			document.querySelector('.msg-list') ||
			document.querySelector('.chat-messages') ||
			document.querySelector('[class*="message-list"]') ||
			document.querySelector('[class*="chat-list"]') ||
			document.querySelector('[class*="msg-wrap"]');
		if (!container) {
			var candidates = document.querySelectorAll('[style*="overflow"], [class*="scroll"]');
			for (var i = 0; i < candidates.length; i++) {
				if (candidates[i].scrollHeight > 300 && candidates[i].children.length > 2) {
					container = candidates[i];
					break;
				}
			}
		}
		if (!container) return false;

		var lastChildCount = container.children.length;
		var observer = new MutationObserver(function() {
			try {
				if (container.children.length <= lastChildCount) {
					lastChildCount = container.children.length;
					return;
				}
				var newCount = container.children.length - lastChildCount;
				lastChildCount = container.children.length;

				for (var i = container.children.length - newCount; i < container.children.length; i++) {
					var el = container.children[i];
					if (!el) continue;
					var text = (el.innerText || el.textContent || '').trim();
					if (!text || text.length > 2000) continue;

					var parts = text.split('\n').filter(function(s) { return s.trim(); });
					var sender = parts.length > 1 ? parts[0].trim() : '';
					var content = parts.length > 1 ? parts.slice(1).join('\n').trim() : text;

					// Time labels and raw JSON blobs are layout noise, not messages.
					if (/^\d{1,2}:\d{2}$/.test(content) || /^\d{4}/.test(content)) continue;
					if (content.charAt(0) === '{' || content.charAt(0) === '[') continue;

					pushMsg({
						source: 'dom',
						sessionId: 'current',
						from: sender,
						fromNick: sender,
						text: content,
						msgType: 'text',
						time: Date.now(),
						idClient: 'dom_' + Date.now() + '_' + i
					});
				}
			} catch(e) {}
		});
		observer.observe(container, { childList: true, subtree: false });
		window.__RELAY_DOM_OBSERVER__ = observer;
		return true;
	}

	if (tryStoreSubscribe()) methods.push('vuex');
	if (tryDOMObserver()) methods.push('dom');
	if (window.__RELAY_SDK__) methods.push('send');

	return JSON.stringify({ok: methods.length > 0, methods: methods});
}`, string(namesJSON))
}

// buildSendScript renders the send-path script: locate the send-callable
// (re-discovering from the store when the cached slot is empty), infer the
// scene from the chat_id prefix, and invoke it with a completion handler.
// The script resolves a promise with {ok, idClient} or {ok:false, error}.
func buildSendScript(chatID, text string) string {
	chatJSON, _ := json.Marshal(chatID)
	textJSON, _ := json.Marshal(text)

	return fmt.Sprintf(`() => {
	var sdk = window.__RELAY_SDK__;
	if (!sdk) {
		try {
			var el = document.querySelector('#app');
			var store = el && el.__vue__ && el.__vue__.$store;
			if (store) {
				var state = store.state;
				var keys = Object.keys(state);
				outer:
				for (var i = 0; i < keys.length; i++) {
					var v = state[keys[i]];
					if (v && typeof v === 'object' && typeof v.sendText === 'function') {
						sdk = v; break;
					}
					if (v && typeof v === 'object') {
						var k2s = Object.keys(v);
						for (var j = 0; j < k2s.length; j++) {
							try {
								var v2 = v[k2s[j]];
								if (v2 && typeof v2 === 'object' && typeof v2.sendText === 'function') {
									sdk = v2; break outer;
								}
							} catch(e) {}
						}
					}
				}
				if (!sdk && store._modules && store._modules.root && store._modules.root._children) {
					var mods = store._modules.root._children;
					var modKeys = Object.keys(mods);
					for (var m = 0; m < modKeys.length && !sdk; m++) {
						var mod = mods[modKeys[m]];
						if (mod && mod.state) {
							var msKeys = Object.keys(mod.state);
							for (var n = 0; n < msKeys.length; n++) {
								try {
									var mv = mod.state[msKeys[n]];
									if (mv && typeof mv === 'object' && typeof mv.sendText === 'function') {
										sdk = mv; break;
									}
								} catch(e) {}
							}
						}
					}
				}
				if (sdk) window.__RELAY_SDK__ = sdk;
			}
		} catch(e) {}
	}

	if (!sdk) return JSON.stringify({ok: false, error: 'send-callable not found in store'});

	var sessionId = %s;
	var text = %s;

	return new Promise(function(resolve) {
		if (typeof sdk.sendText !== 'function') {
			resolve(JSON.stringify({ok: false, error: 'sendText not available'}));
			return;
		}
		sdk.sendText({
			scene: sessionId.indexOf('team-') === 0 ? 'team' : 'p2p',
			to: sessionId.replace(/^(p2p-|team-)/, ''),
			text: text,
			done: function(err, msg) {
				if (err) {
					resolve(JSON.stringify({ok: false, error: err.message || String(err)}));
				} else {
					resolve(JSON.stringify({ok: true, idClient: (msg && msg.idClient) || ''}));
				}
			}
		});
	});
}`, string(chatJSON), string(textJSON))
}

// buildPageFetchScript downloads an attachment inside the page so the app's
// session cookies apply, returning the bytes base64-encoded.
func buildPageFetchScript(url string) string {
	urlJSON, _ := json.Marshal(url)
	return fmt.Sprintf(`() => {
	var url = %s;
	return fetch(url, {credentials: 'include'}).then(function(resp) {
		if (!resp.ok) throw new Error('http ' + resp.status);
		return resp.arrayBuffer();
	}).then(function(buf) {
		var bytes = new Uint8Array(buf);
		var chunks = [];
		for (var i = 0; i < bytes.length; i += 0x8000) {
			chunks.push(String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000)));
		}
		return JSON.stringify({ok: true, data: btoa(chunks.join(''))});
	}).catch(function(e) {
		return JSON.stringify({ok: false, error: e.message});
	});
}`, string(urlJSON))
}

// buildClickDownloadScript simulates a click on the message's download
// affordance as a last in-page resort.
func buildClickDownloadScript(idClient string) string {
	idJSON, _ := json.Marshal(idClient)
	return fmt.Sprintf(`() => {
	var id = %s;
	var el = document.querySelector('[data-idclient="' + id + '"] [class*="download"]') ||
		document.querySelector('[data-id="' + id + '"] [class*="download"]');
	if (!el) return JSON.stringify({ok: false, error: 'download control not found'});
	el.click();
	return JSON.stringify({ok: true});
}`, string(idJSON))
}
