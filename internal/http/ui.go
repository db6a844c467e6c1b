package http

import nethttp "net/http"

func dashboardHandler(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.URL.Path != "/" {
		nethttp.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(nethttp.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}

func faviconHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.WriteHeader(nethttp.StatusNoContent)
}

const dashboardHTML = `<!doctype html>
<html lang="zh-Hant">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Pipeline Report Viewer</title>
  <style>
    :root {
      --blue: #0e5d8f;
      --bg: #f7f7f7;
      --paper: #fff;
      --text: #333;
      --muted: #777;
      --line: #ddd;
      --ok: #3c763d;
      --bad: #a94442;
    }
    * { box-sizing: border-box; }
    body { margin: 0; font-family: "Open Sans", "Noto Sans TC", sans-serif; background: var(--bg); color: var(--text); }
    header { background: var(--blue); color: #fff; padding: 12px 20px; display: flex; justify-content: space-between; align-items: center; }
    header h1 { font-size: 18px; margin: 0; font-weight: 600; }
    main { max-width: 1200px; margin: 0 auto; padding: 16px; display: grid; gap: 16px; }
    section { background: var(--paper); border: 1px solid var(--line); border-radius: 4px; padding: 16px; }
    section h2 { margin: 0 0 12px; font-size: 15px; color: var(--blue); }
    .row { display: flex; gap: 12px; align-items: center; flex-wrap: wrap; }
    .muted { color: var(--muted); font-size: 13px; }
    .error { color: var(--bad); }
    .ok { color: var(--ok); }
    .stages { list-style: none; padding: 0; margin: 8px 0 0; display: grid; gap: 4px; }
    .stages li { padding: 4px 8px; border-left: 3px solid var(--line); font-size: 13px; }
    .stages li.done { border-color: var(--ok); color: var(--ok); }
    .stages li.active { border-color: var(--blue); font-weight: 600; }
    .bar { height: 8px; background: var(--line); border-radius: 4px; overflow: hidden; }
    .bar > div { height: 100%; background: var(--blue); width: 0; transition: width .3s; }
    .kpis { display: grid; grid-template-columns: repeat(auto-fill, minmax(180px, 1fr)); gap: 12px; }
    .kpi { border: 1px solid var(--line); border-radius: 4px; padding: 10px; }
    .kpi .v { font-size: 22px; font-weight: 600; }
    pre { background: #222; color: #eee; padding: 10px; max-height: 240px; overflow: auto; font-size: 12px; }
    button, select { padding: 6px 10px; }
  </style>
</head>
<body>
  <header>
    <h1>Pipeline Report Viewer</h1>
    <span id="services" class="muted"></span>
  </header>
  <main>
    <section>
      <h2>Upload</h2>
      <form id="upload-form" class="row">
        <input type="file" id="file" name="file" accept=".csv,.xlsx,.xls" />
        <button type="submit">Upload</button>
        <button type="button" id="reset">Reset</button>
        <label><input type="checkbox" id="show-logs" /> Logs</label>
        <span id="limit" class="muted"></span>
      </form>
      <p id="upload-error" class="error"></p>
      <div class="bar"><div id="bar"></div></div>
      <p id="estimate" class="muted"></p>
      <ul id="stages" class="stages"></ul>
      <pre id="logs" hidden></pre>
    </section>
    <section>
      <h2>Report</h2>
      <div class="row">
        <select id="mode">
          <option value="month">Month</option>
          <option value="year">Year</option>
        </select>
        <select id="period"></select>
        <button type="button" id="refresh">Refresh</button>
        <span id="fetching" class="muted"></span>
      </div>
      <p><strong id="label"></strong> <span id="members" class="muted"></span></p>
      <div id="kpis" class="kpis"></div>
      <p class="row">
        <a id="segment-download" href="#">Segment export</a>
        <span id="download-period" class="muted"></span>
      </p>
    </section>
  </main>
  <script>
    const q = (sel) => document.querySelector(sel);
    const api = (path, opts) => fetch(path, opts).then((r) => r.json().then((body) => ({ ok: r.ok, body })));
    let polling = null;

    function fmt(v) {
      if (v === null || v === undefined) return '-';
      return typeof v === 'number' ? v.toLocaleString() : String(v);
    }

    function renderProgress(p) {
      q('#limit').textContent = 'max ' + p.max_upload_mb + 'MB';
      q('#upload-error').textContent = p.error || '';
      const pct = p.progress && p.progress.percent != null ? p.progress.percent : (p.estimate.percent || 0);
      q('#bar').style.width = Math.max(0, Math.min(100, pct)) + '%';
      q('#estimate').textContent = p.status === 'polling' || p.status === 'uploading' ? p.estimate_text : p.status;
      q('#stages').innerHTML = (p.stages || []).map((s) =>
        '<li class="' + s.state + '">' + s.label + '</li>').join('');
      q('#show-logs').checked = !!p.show_logs;
      q('#logs').hidden = !p.show_logs;
      if (p.show_logs) q('#logs').textContent = p.logs || '';
      if (p.status === 'polling' || p.status === 'uploading') {
        if (!polling) polling = setInterval(loadSession, 1000);
      } else if (polling) {
        clearInterval(polling);
        polling = null;
        loadReport();
      }
    }

    function loadSession() {
      return api('/api/v1/upload/session').then((r) => renderProgress(r.body.data));
    }

    function renderReport(st) {
      const d = st.display;
      q('#mode').value = st.mode;
      q('#period').innerHTML = (st.options.length ? st.options : ['']).map((o, i) =>
        '<option value="' + i + '"' + (i === st.selected_index ? ' selected' : '') + '>' + (o || st.target_label) + '</option>').join('');
      q('#fetching').textContent = st.is_fetching ? '...' : '';
      q('#label').textContent = d.label || st.target_label;
      q('#members').textContent = fmt(d.totalMembers);
      q('#kpis').innerHTML = (d.realtime.keyMetrics || []).map((m) =>
        '<div class="kpi"><div class="muted">' + m.title + '</div><div class="v">' + fmt(m.value) + '</div><div class="muted">' + fmt(m.trend) + '%</div></div>').join('');
      q('#download-period').textContent = st.download_period;
    }

    function loadReport() {
      return api('/api/v1/report').then((r) => renderReport(r.body.data));
    }

    function loadServices() {
      api('/api/v1/status/services').then((r) => {
        const s = r.body.services || {};
        q('#services').textContent = Object.keys(s).map((k) => k + ':' + (s[k].ok ? 'ok' : s[k].enabled ? 'down' : 'off')).join('  ');
      });
    }

    q('#upload-form').addEventListener('submit', (ev) => {
      ev.preventDefault();
      const f = q('#file').files[0];
      if (!f) return;
      const form = new FormData();
      form.append('file', f);
      api('/api/v1/upload', { method: 'POST', body: form }).then((r) => {
        if (!r.ok) {
          q('#upload-error').textContent = r.body.error || '';
          return;
        }
        renderProgress(r.body.data);
      });
    });
    q('#reset').addEventListener('click', () => api('/api/v1/upload/session', { method: 'DELETE' }).then((r) => renderProgress(r.body.data)));
    q('#show-logs').addEventListener('change', (ev) => api('/api/v1/upload/logs?show=' + ev.target.checked, { method: 'POST' }).then(loadSession));
    q('#mode').addEventListener('change', (ev) => post('/api/v1/report/period', { mode: ev.target.value }));
    q('#period').addEventListener('change', (ev) => post('/api/v1/report/period', { index: Number(ev.target.value) }));
    q('#refresh').addEventListener('click', () => post('/api/v1/report/refresh', {}));
    q('#segment-download').addEventListener('click', (ev) => {
      ev.preventDefault();
      const id = prompt('Segment id');
      if (id) window.location = '/api/v1/downloads/segment/' + encodeURIComponent(id);
    });

    function post(path, body) {
      q('#fetching').textContent = '...';
      return api(path, { method: 'POST', headers: { 'Content-Type': 'application/json' }, body: JSON.stringify(body) })
        .then((r) => renderReport(r.body.data));
    }

    loadSession();
    loadReport();
    loadServices();
    setInterval(loadServices, 30000);
  </script>
</body>
</html>`
