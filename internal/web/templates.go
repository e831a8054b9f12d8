package web

// dashboardHTML is the embedded single-page dashboard served at /.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>reprobe</title>
<style>
:root {
  --bg: #0f1117;
  --surface: #1a1d27;
  --border: #2a2d3a;
  --text: #e2e8f0;
  --muted: #718096;
  --green: #48bb78;
  --red: #fc8181;
  --yellow: #f6e05e;
  --cyan: #63b3ed;
  --gray: #a0aec0;
  --font: "SF Mono", "Cascadia Code", "Fira Code", "Consolas", monospace;
}
@media (prefers-color-scheme: light) {
  :root {
    --bg: #f7fafc;
    --surface: #ffffff;
    --border: #e2e8f0;
    --text: #1a202c;
    --muted: #718096;
    --green: #276749;
    --red: #c53030;
    --yellow: #975a16;
    --cyan: #2b6cb0;
    --gray: #4a5568;
  }
}
* { box-sizing: border-box; margin: 0; padding: 0; }
body {
  background: var(--bg);
  color: var(--text);
  font-family: var(--font);
  font-size: 13px;
  min-height: 100vh;
  display: flex;
  flex-direction: column;
}
header {
  display: flex;
  align-items: center;
  gap: 12px;
  padding: 12px 16px 0 16px;
}
header h1 {
  font-size: 16px;
  font-weight: 600;
  letter-spacing: 0.05em;
}
#status-dot {
  width: 8px;
  height: 8px;
  border-radius: 50%;
  background: var(--muted);
  transition: background 0.3s;
}
#status-dot.live { background: var(--green); }
nav.tabs {
  display: flex;
  gap: 0;
  padding: 10px 16px 0 16px;
  border-bottom: 1px solid var(--border);
}
nav.tabs button {
  background: none;
  border: none;
  border-bottom: 2px solid transparent;
  color: var(--muted);
  font-family: var(--font);
  font-size: 13px;
  padding: 6px 16px 8px 16px;
  cursor: pointer;
  transition: color 0.15s, border-color 0.15s;
  margin-bottom: -1px;
}
nav.tabs button:hover { color: var(--text); }
nav.tabs button.active {
  color: var(--text);
  border-bottom-color: var(--cyan);
  font-weight: 600;
}
main {
  flex: 1;
  padding: 16px;
  overflow: auto;
}
[hidden] { display: none !important; }
#summary {
  font-size: 12px;
  color: var(--muted);
  margin-bottom: 16px;
  padding: 8px 12px;
  background: var(--surface);
  border: 1px solid var(--border);
  border-radius: 6px;
}
#summary span { margin-right: 12px; }
#runs { display: flex; flex-direction: column; gap: 12px; }
.run-card {
  background: var(--surface);
  border: 1px solid var(--border);
  border-radius: 8px;
  overflow: hidden;
}
.run-header {
  display: flex;
  align-items: center;
  gap: 10px;
  padding: 10px 14px;
  border-bottom: 1px solid var(--border);
  cursor: pointer;
}
.run-id {
  font-size: 11px;
  color: var(--muted);
  flex-shrink: 0;
}
.run-issue {
  flex: 1;
  font-weight: 500;
  overflow: hidden;
  text-overflow: ellipsis;
  white-space: nowrap;
}
.run-state, .run-status {
  font-size: 11px;
  padding: 2px 8px;
  border-radius: 4px;
  border: 1px solid var(--border);
  flex-shrink: 0;
}
.run-state.running      { color: var(--cyan); }
.run-state.done         { color: var(--green); }
.run-state.failed       { color: var(--red); }
.run-state.stopped      { color: var(--gray); }
.run-status.repro_confirmed { color: var(--green); }
.run-status.no_repro        { color: var(--yellow); }
.run-status.inconclusive    { color: var(--red); }
.stop-btn {
  background: var(--surface);
  border: 1px solid var(--red);
  color: var(--red);
  border-radius: 4px;
  font-family: var(--font);
  font-size: 11px;
  padding: 2px 10px;
  cursor: pointer;
}
.stop-btn:disabled { opacity: 0.4; cursor: default; }
.worker-table {
  width: 100%;
  border-collapse: collapse;
}
.worker-table th {
  text-align: left;
  padding: 6px 14px;
  font-size: 11px;
  color: var(--muted);
  border-bottom: 1px solid var(--border);
  font-weight: 500;
  text-transform: uppercase;
  letter-spacing: 0.05em;
}
.worker-table td {
  padding: 7px 14px;
  border-bottom: 1px solid var(--border);
  vertical-align: middle;
}
.worker-table tr:last-child td { border-bottom: none; }
.worker-table tr:hover td { background: var(--border); }
.sym { font-size: 14px; width: 20px; text-align: center; }
.sym.finished { color: var(--green); }
.sym.failed   { color: var(--red); }
.sym.timeout  { color: var(--yellow); }
.sym.running  { color: var(--cyan); }
.sym.pending  { color: var(--gray); }
.sym.launching { color: var(--gray); }
.worker-id      { color: var(--muted); font-size: 11px; }
.worker-role    { max-width: 160px; }
.worker-session { color: var(--muted); font-size: 11px; }
.worker-reason  { color: var(--red); font-size: 11px; max-width: 240px; overflow: hidden; text-overflow: ellipsis; white-space: nowrap; }
.no-workers { padding: 10px 14px; color: var(--muted); font-size: 12px; }
#updated { font-size: 11px; color: var(--muted); margin-top: 12px; text-align: right; }
/* Logs tab */
#log-viewer {
  background: var(--surface);
  border: 1px solid var(--border);
  border-radius: 6px;
  padding: 10px 12px;
  height: calc(100vh - 160px);
  overflow-y: auto;
  font-size: 12px;
  line-height: 1.5;
  white-space: pre-wrap;
  word-break: break-all;
}
</style>
</head>
<body>
<header>
  <div id="status-dot"></div>
  <h1>reprobe</h1>
</header>
<nav class="tabs">
  <button data-tab="status" class="active">Runs</button>
  <button data-tab="logs">Logs</button>
</nav>
<main>
  <div id="tab-status">
    <div id="summary">Loading...</div>
    <div id="runs"></div>
    <div id="updated"></div>
  </div>
  <div id="tab-logs" hidden>
    <div id="log-viewer"></div>
  </div>
</main>

<script>
// Tab switching.
const tabBtns = document.querySelectorAll('nav.tabs button');
const tabPanes = {
  status: document.getElementById('tab-status'),
  logs:   document.getElementById('tab-logs'),
};

function showTab(name) {
  tabBtns.forEach(function(btn) {
    btn.classList.toggle('active', btn.getAttribute('data-tab') === name);
  });
  Object.keys(tabPanes).forEach(function(k) {
    tabPanes[k].hidden = (k !== name);
  });
}

tabBtns.forEach(function(btn) {
  btn.addEventListener('click', function() {
    showTab(btn.getAttribute('data-tab'));
  });
});

// Logs tab.
const logViewer = document.getElementById('log-viewer');
const MAX_LOG_LINES = 1000;
let logLines = [];
let userScrolledUp = false;

logViewer.addEventListener('scroll', function() {
  const atBottom = logViewer.scrollHeight - logViewer.scrollTop <= logViewer.clientHeight + 4;
  userScrolledUp = !atBottom;
});

function appendLog(line) {
  logLines.push(line);
  if (logLines.length > MAX_LOG_LINES) {
    logLines = logLines.slice(logLines.length - MAX_LOG_LINES);
  }
  logViewer.textContent = logLines.join('\n');
  if (!userScrolledUp) {
    logViewer.scrollTop = logViewer.scrollHeight;
  }
}

// Runs tab.
const symbols = {
  finished:  '✓',
  failed:    '✗',
  timeout:   '⚠',
  running:   '↻',
  launching: '◔',
  pending:   '○',
};

// run_id -> detail payload, populated on expand.
const details = {};
const expanded = {};

function esc(s) {
  return String(s)
    .replace(/&/g,'&amp;')
    .replace(/</g,'&lt;')
    .replace(/>/g,'&gt;')
    .replace(/"/g,'&quot;');
}

function renderSummary(data) {
  const s = data.summary || {};
  const order = ['running','finalizing','initializing','done','stopped','failed'];
  const parts = order
    .filter(function(k) { return s[k] > 0; })
    .map(function(k) { return '<span><b>' + s[k] + '</b> ' + esc(k) + '</span>'; });
  const total = (data.runs || []).length;
  document.getElementById('summary').innerHTML =
    parts.length ? parts.join('') + '<span style="color:var(--muted)">(' + total + ' total)</span>'
                 : '<span style="color:var(--muted)">no runs</span>';
}

function workersSection(detail) {
  const workers = (detail && detail.workers) || [];
  if (workers.length === 0) {
    return '<div class="no-workers">No workers yet.</div>';
  }
  const rows = workers.map(function(w) {
    const sym = symbols[w.state] || '?';
    const reason = w.fail_reason ? '<span class="worker-reason">' + esc(w.fail_reason) + '</span>' : '';
    return '<tr>' +
      '<td class="sym ' + esc(w.state) + '">' + esc(sym) + '</td>' +
      '<td class="worker-id">' + esc(w.id) + '</td>' +
      '<td class="worker-role">' + esc(w.role) + '</td>' +
      '<td class="worker-session">' + esc(w.attach) + '</td>' +
      '<td>' + (w.retry_count || 0) + '</td>' +
      '<td>' + reason + '</td>' +
      '</tr>';
  }).join('');
  return '<table class="worker-table">' +
    '<thead><tr><th></th><th>Worker</th><th>Role</th><th>Attach</th><th>Retries</th><th>Reason</th></tr></thead>' +
    '<tbody>' + rows + '</tbody>' +
    '</table>';
}

function renderRuns(data) {
  const container = document.getElementById('runs');
  const runs = data.runs || [];

  if (runs.length === 0) {
    container.innerHTML = '<p style="color:var(--muted)">No runs yet.</p>';
    return;
  }

  container.innerHTML = runs.map(function(r) {
    const terminal = r.state === 'done' || r.state === 'failed' || r.state === 'stopped';
    const stopBtn = terminal ? '' :
      '<button class="stop-btn" data-run="' + esc(r.id) + '">stop</button>';
    const status = r.status ?
      '<span class="run-status ' + esc(r.status) + '">' + esc(r.status) + '</span>' : '';
    const body = expanded[r.id] ? workersSection(details[r.id]) : '';
    return '<div class="run-card">' +
      '<div class="run-header" data-run="' + esc(r.id) + '">' +
        '<span class="run-id">' + esc(r.id) + '</span>' +
        '<span class="run-issue">' + esc(r.issue_url) + '</span>' +
        status +
        '<span class="run-state ' + esc(r.state) + '">' + esc(r.state) + '</span>' +
        stopBtn +
      '</div>' +
      body +
      '</div>';
  }).join('');

  container.querySelectorAll('.run-header').forEach(function(hdr) {
    hdr.addEventListener('click', function() {
      const id = hdr.getAttribute('data-run');
      expanded[id] = !expanded[id];
      if (expanded[id]) {
        fetch('/api/runs/' + id)
          .then(function(resp) { return resp.json(); })
          .then(function(d) { details[id] = d; renderRuns(data); })
          .catch(function(e) { console.error('detail fetch error:', e); });
      } else {
        renderRuns(data);
      }
    });
  });

  container.querySelectorAll('.stop-btn').forEach(function(btn) {
    btn.addEventListener('click', function(ev) {
      ev.stopPropagation();
      const id = btn.getAttribute('data-run');
      btn.disabled = true;
      fetch('/api/runs/' + id + '/stop', {method: 'POST'})
        .catch(function(e) { console.error('stop error:', e); });
    });
  });
}

function render(data) {
  renderSummary(data);
  renderRuns(data);
  const dot = document.getElementById('status-dot');
  dot.classList.add('live');
  const d = new Date(data.updated_at * 1000);
  document.getElementById('updated').textContent =
    'Updated: ' + d.toLocaleTimeString();
}

// Initial fetch for immediate status on load.
fetch('/api/runs')
  .then(function(r) { return r.json(); })
  .then(render)
  .catch(function(e) { console.error('fetch error:', e); });

// Live updates via SSE with named events.
const es = new EventSource('/events');
es.addEventListener('status', function(e) {
  try {
    render(JSON.parse(e.data));
  } catch(err) {
    console.error('SSE status parse error:', err);
  }
});
es.addEventListener('log', function(e) {
  appendLog(e.data);
});
es.onerror = function() {
  document.getElementById('status-dot').classList.remove('live');
};
es.onopen = function() {
  document.getElementById('status-dot').classList.add('live');
};
</script>
</body>
</html>`
