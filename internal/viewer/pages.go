package viewer

import "net/http"

// The UI is two self-contained pages. The chat page owns accounts, contacts
// and messaging; the call page is opened in its own tab per call, keyed by
// the query parameters carried in the invite link.

const homePage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Ringlet</title>
<style>
 body { font-family: system-ui, sans-serif; margin: 0; display: flex; height: 100vh; }
 #side { width: 220px; border-right: 1px solid #ccc; padding: 10px; overflow-y: auto; }
 #main { flex: 1; display: flex; flex-direction: column; }
 #msgs { flex: 1; overflow-y: auto; padding: 10px; }
 #msgs .msg { margin: 4px 0; }
 #msgs .mine { color: #036; }
 form { display: flex; gap: 6px; padding: 10px; }
 input, button { font: inherit; }
 #auth { margin: auto; display: flex; flex-direction: column; gap: 8px; width: 260px; }
 .user { cursor: pointer; padding: 4px; }
 .user:hover { background: #eee; }
 pre { background: #f4f4f4; padding: 6px; overflow-x: auto; }
</style>
</head>
<body>
<div id="side" hidden>
 <div><b id="selfName"></b> <button id="logout">sign out</button></div>
 <h4>People</h4>
 <div id="users"></div>
 <h4>Groups <button id="newGroup">+</button></h4>
 <div id="groups"></div>
</div>
<div id="main">
 <div id="auth">
  <h3>Ringlet</h3>
  <input id="username" placeholder="username">
  <input id="password" type="password" placeholder="password">
  <button id="login">Sign in</button>
  <button id="signup">Create account</button>
  <div id="authErr" style="color:#a00"></div>
 </div>
 <div id="chatView" hidden style="display:flex;flex-direction:column;flex:1">
  <div style="padding:10px;border-bottom:1px solid #ccc">
   <b id="peerName"></b>
   <button id="callBtn">Video call</button>
  </div>
  <div id="msgs"></div>
  <form id="sendForm"><input id="content" style="flex:1" placeholder="Message (markdown supported)"><button>Send</button></form>
 </div>
</div>
<script>
let self = null, chat = null, events = null;

async function api(path, body) {
  const opts = body ? {method:'POST', headers:{'Content-Type':'application/json'}, body: JSON.stringify(body)} : {};
  const res = await fetch(path, opts);
  if (!res.ok) throw new Error(await res.text());
  return res.json();
}

async function boot() {
  try { self = await api('/api/auth/self'); } catch { return; }
  document.getElementById('auth').hidden = true;
  document.getElementById('side').hidden = false;
  document.getElementById('selfName').textContent = self.displayName;
  loadUsers();
  loadGroups();
  watchCalls();
}

let knownUsers = [];

async function loadUsers() {
  knownUsers = await api('/api/users');
  const el = document.getElementById('users');
  el.innerHTML = '';
  for (const u of knownUsers) {
    const div = document.createElement('div');
    div.className = 'user';
    const name = document.createElement('span');
    name.textContent = u.displayName + (u.blocked ? ' (blocked)' : '');
    name.onclick = () => openDirect(u);
    const toggle = document.createElement('button');
    toggle.textContent = u.blocked ? 'unblock' : 'block';
    toggle.style.float = 'right';
    toggle.onclick = async e => {
      e.stopPropagation();
      await api(u.blocked ? '/api/user/unblock' : '/api/user/block', {userId: u.id});
      loadUsers();
    };
    div.appendChild(name);
    div.appendChild(toggle);
    el.appendChild(div);
  }
}

async function loadGroups() {
  const chats = await api('/api/chats');
  const el = document.getElementById('groups');
  el.innerHTML = '';
  for (const c of chats) {
    if (c.direct) continue;
    const div = document.createElement('div');
    div.className = 'user';
    div.textContent = c.name;
    div.onclick = () => openGroup(c);
    el.appendChild(div);
  }
}

function showChat(c, title, canCall) {
  chat = c;
  document.getElementById('chatView').hidden = false;
  document.getElementById('peerName').textContent = title;
  document.getElementById('callBtn').hidden = !canCall;
  const msgs = document.getElementById('msgs');
  msgs.innerHTML = '';
  if (events) events.close();
  events = new EventSource('/api/chat/' + c.id + '/events');
  events.addEventListener('message', e => addMsg(JSON.parse(e.data)));
  api('/api/chat/' + c.id + '/messages').then(ms => ms.forEach(addMsg));
}

async function openDirect(peer) {
  const c = await api('/api/chat/open', {peerId: peer.id});
  c.peer = peer;
  showChat(c, peer.displayName, true);
}

function openGroup(c) {
  showChat(c, c.name, false);
}

document.getElementById('newGroup').onclick = async () => {
  const name = prompt('Group name');
  if (!name) return;
  const who = prompt('Members (comma-separated usernames)');
  if (!who) return;
  const ids = [];
  for (const uname of who.split(',').map(s => s.trim()).filter(Boolean)) {
    const u = knownUsers.find(u => u.username === uname);
    if (!u) { alert('unknown user: ' + uname); return; }
    ids.push(u.id);
  }
  try {
    const c = await api('/api/chat/group', {name, memberIds: ids});
    loadGroups();
    openGroup(c);
  } catch (err) {
    alert(err.message);
  }
};

function addMsg(m) {
  const div = document.createElement('div');
  div.className = 'msg' + (m.senderId === self.id ? ' mine' : '');
  div.innerHTML = m.html || m.content;
  const msgs = document.getElementById('msgs');
  msgs.appendChild(div);
  msgs.scrollTop = msgs.scrollHeight;
}

// If the user closes the popup without hanging up, the beacon on the call
// page usually fires; polling the window handle covers the cases it misses.
function watchCallWindow(win, callId) {
  const t = setInterval(() => {
    if (win.closed) {
      clearInterval(t);
      api('/api/call/hangup', {callId}).catch(() => {});
    }
  }, 1000);
}

function watchCalls() {
  const es = new EventSource('/api/call/events');
  es.addEventListener('call', e => {
    const c = JSON.parse(e.data);
    if (confirm('Incoming call. Answer?')) {
      watchCallWindow(window.open(c.url, '_blank'), c.callId);
    } else {
      api('/api/call/reject', {callId: c.callId}).catch(() => {});
    }
  });
}

document.getElementById('login').onclick = () => auth('/api/auth/login');
document.getElementById('signup').onclick = () => auth('/api/auth/signup');
async function auth(path) {
  try {
    await api(path, {
      username: document.getElementById('username').value,
      password: document.getElementById('password').value,
    });
    location.reload();
  } catch (err) {
    document.getElementById('authErr').textContent = err.message;
  }
}
document.getElementById('logout').onclick = async () => { await api('/api/auth/logout', {}); location.reload(); };

document.getElementById('sendForm').onsubmit = async e => {
  e.preventDefault();
  const input = document.getElementById('content');
  if (!input.value.trim()) return;
  try {
    await api('/api/chat/' + chat.id + '/send', {content: input.value});
    input.value = '';
  } catch (err) {
    alert(err.message);
  }
};

document.getElementById('callBtn').onclick = async () => {
  try {
    const res = await api('/api/call/start', {receiverId: chat.peer.id, chatId: chat.id});
    watchCallWindow(window.open(res.url, '_blank'), res.callId);
  } catch (err) {
    alert(err.message);
  }
};

boot();
</script>
</body>
</html>
`

const callPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Ringlet call</title>
<style>
 body { font-family: system-ui, sans-serif; margin: 0; background: #111; color: #eee;
        display: flex; flex-direction: column; align-items: center; height: 100vh; }
 video { max-width: 90vw; max-height: 75vh; background: #000; margin-top: 16px; }
 #bar { padding: 12px; display: flex; gap: 10px; align-items: center; }
 button { font: inherit; padding: 6px 16px; }
</style>
</head>
<body>
<video id="remote" autoplay playsinline></video>
<div id="bar">
 <span id="state">connecting…</span>
 <button id="accept" hidden>Accept</button>
 <button id="hangup">Hang up</button>
</div>
<script>
const params = new URLSearchParams(location.search);
const callId = params.get('callId');

async function api(path, body) {
  const opts = body ? {method:'POST', headers:{'Content-Type':'application/json'}, body: JSON.stringify(body)} : {};
  const res = await fetch(path, opts);
  if (!res.ok) {
    const err = new Error(await res.text());
    err.status = res.status;
    throw err;
  }
  return res.json();
}

function setState(s) { document.getElementById('state').textContent = s; }

function attachMedia() {
  const video = document.getElementById('remote');
  const ms = new MediaSource();
  video.src = URL.createObjectURL(ms);
  ms.addEventListener('sourceopen', () => {
    let sb = null;
    const queue = [];
    const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/call/media/' + callId);
    ws.binaryType = 'arraybuffer';
    ws.onmessage = e => {
      if (!sb) {
        sb = ms.addSourceBuffer('video/webm; codecs="vp8,opus"');
        sb.addEventListener('updateend', () => { if (queue.length && !sb.updating) sb.appendBuffer(queue.shift()); });
      }
      if (sb.updating || queue.length) queue.push(e.data); else sb.appendBuffer(e.data);
    };
    ws.onclose = () => { try { ms.endOfStream(); } catch {} };
  });
}

function watchSession() {
  const es = new EventSource('/api/call/session/' + callId + '/events');
  es.addEventListener('state', e => {
    const s = JSON.parse(e.data).state;
    setState(s);
    if (s === 'ended') { es.close(); setTimeout(() => window.close(), 800); }
  });
}

async function boot() {
  if (!callId) { setState('missing call id'); return; }
  let info;
  try {
    info = await api('/api/call/open?callId=' + encodeURIComponent(callId));
  } catch (err) {
    // 403: signed-in user is neither caller nor receiver of this call.
    if (err.status === 403) { setState('invalid call'); return; }
    // 404: participant with no session on this node yet. Only the ringing
    // receiver can resolve that by accepting.
    if (err.status === 404) {
      let self = null;
      try { self = await api('/api/auth/self'); } catch {}
      if (self && self.id === params.get('receiverId')) {
        document.getElementById('accept').hidden = false;
        setState('ringing');
        return;
      }
    }
    setState('call unavailable: ' + err.message);
    return;
  }
  setState(info.state);
  watchSession();
  attachMedia();
}

document.getElementById('accept').onclick = async () => {
  try {
    await api('/api/call/accept', {callId});
    document.getElementById('accept').hidden = true;
    watchSession();
    attachMedia();
  } catch (err) {
    setState('accept failed: ' + err.message);
  }
};

document.getElementById('hangup').onclick = () => {
  api('/api/call/hangup', {callId}).finally(() => window.close());
};

// Closing the tab ends the call.
window.addEventListener('pagehide', () => {
  navigator.sendBeacon && navigator.sendBeacon('/api/call/hangup', new Blob([JSON.stringify({callId})], {type: 'application/json'}));
});

boot();
</script>
</body>
</html>
`

func servePage(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(body))
	}
}
