package web

// Upload page: posts a CSV export, queries balances and follows the merge stream.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Coinledger</title>
  <link href="https://fonts.googleapis.com/css2?family=Space+Mono:wght@400;700&display=swap" rel="stylesheet">
  <style>
    :root { --bg:#ffffff; --ink:#111111; --ink-mid:#4d4d4d; --panel:#f6f6f6; }
    * { box-sizing:border-box; }
    body {
      margin:0;
      padding:2rem;
      background:var(--bg);
      color:var(--ink);
      font-family:'Space Mono','JetBrains Mono',monospace;
    }
    #app {
      width:min(1100px, 96vw);
      margin:0 auto;
      background:var(--panel);
      border:3px solid var(--ink);
      padding:2rem;
      box-shadow:12px 12px 0 rgba(0,0,0,.15);
      display:grid;
      grid-template-columns:1fr 1fr;
      gap:2rem;
    }
    section {
      border:3px solid var(--ink);
      background:#fff;
      padding:1.2rem;
      box-shadow:6px 6px 0 rgba(0,0,0,.12);
    }
    h2 { font-size:.8rem; text-transform:uppercase; letter-spacing:.2em; margin-top:0; }
    table { width:100%; border-collapse:collapse; font-size:.75rem; }
    td, th { border-bottom:1px dashed var(--ink-mid); padding:.3rem; text-align:left; }
    .wide { grid-column:1 / span 2; }
    .status { font-size:.65rem; text-transform:uppercase; letter-spacing:.1em; color:var(--ink-mid); }
    pre { font-size:.7rem; max-height:14rem; overflow:auto; }
  </style>
</head>
<body>
<div id="app">
  <section>
    <h2>Upload trades</h2>
    <form id="upload">
      <input type="file" name="file" accept=".csv" required />
      <button type="submit">Upload</button>
    </form>
    <p class="status" id="upload-status"></p>
    <pre id="rejected"></pre>
  </section>
  <section>
    <h2>Balance as of</h2>
    <form id="balance">
      <input type="datetime-local" step="1" name="at" required />
      <button type="submit">Reconstruct</button>
    </form>
    <p class="status" id="balance-status"></p>
    <table id="balances"><tbody></tbody></table>
  </section>
  <section class="wide">
    <h2>Ledger</h2>
    <p class="status" id="ledger-status">connecting...</p>
    <table id="trades">
      <thead><tr><th>UTC time</th><th>Operation</th><th>Market</th><th>Amount</th><th>Price</th></tr></thead>
      <tbody></tbody>
    </table>
  </section>
</div>
<script>
  const tradesBody = document.querySelector('#trades tbody');

  function renderTrades(trades) {
    tradesBody.innerHTML = '';
    for (const t of trades) {
      const tr = document.createElement('tr');
      for (const v of [t['UTC_Time'], t['Operation'], t['Market'], t['Buy/Sell Amount'], t['Price'] || '']) {
        const td = document.createElement('td');
        td.textContent = v;
        tr.appendChild(td);
      }
      tradesBody.appendChild(tr);
    }
  }

  async function loadTrades() {
    const res = await fetch('/api/trades');
    renderTrades(await res.json());
  }

  document.getElementById('upload').addEventListener('submit', async (e) => {
    e.preventDefault();
    const res = await fetch('/api/trades/upload', { method: 'POST', body: new FormData(e.target) });
    const body = await res.json();
    const status = document.getElementById('upload-status');
    if (!res.ok) {
      status.textContent = body.error;
      return;
    }
    status.textContent = 'inserted ' + body.inserted + ', duplicates ' + body.duplicates + ', rejected ' + body.rejected.length;
    document.getElementById('rejected').textContent = body.rejected.map(r => 'row ' + r.row + ': ' + (r.field ? r.field + ': ' : '') + r.reason).join('\n');
  });

  document.getElementById('balance').addEventListener('submit', async (e) => {
    e.preventDefault();
    const at = new FormData(e.target).get('at') + 'Z';
    const res = await fetch('/api/balance', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({ timestamp: at }),
    });
    const body = await res.json();
    const status = document.getElementById('balance-status');
    const tbody = document.querySelector('#balances tbody');
    tbody.innerHTML = '';
    if (!res.ok) {
      status.textContent = body.error;
      return;
    }
    status.textContent = body.trades + ' trades replayed, ledger v' + body.ledger_version;
    for (const asset of Object.keys(body.balances).sort()) {
      const tr = document.createElement('tr');
      tr.innerHTML = '<td></td><td></td>';
      tr.children[0].textContent = asset;
      tr.children[1].textContent = body.balances[asset];
      tbody.appendChild(tr);
    }
  });

  const source = new EventSource('/api/trades/stream');
  source.addEventListener('status', (e) => {
    const s = JSON.parse(e.data);
    document.getElementById('ledger-status').textContent = s.trades + ' trades, v' + s.ledger_version;
    loadTrades();
  });
  source.addEventListener('merge', (e) => {
    const m = JSON.parse(e.data);
    document.getElementById('ledger-status').textContent = 'batch ' + m.batch_id + ' merged, v' + m.ledger_version;
    loadTrades();
  });
</script>
</body>
</html>
`
