package server

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>AlertMatrix Detection</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { background: #111; color: #ddd; font-family: sans-serif; margin: 0; padding: 16px; }
        img { max-width: 100%; border: 1px solid #333; }
        .badge { display: inline-block; padding: 2px 8px; border-radius: 4px; background: #333; }
        .badge.active { background: #1b5e20; }
        .badge.inactive { background: #8b0000; }
        pre { background: #1b1b1b; padding: 8px; max-height: 240px; overflow: auto; }
    </style>
</head>
<body>
    <h2>Live Feed <span class="badge" id="status-badge">connecting</span></h2>
    <p>
        <a href="/stream?quality=low">low</a> |
        <a href="/stream?quality=medium">medium</a> |
        <a href="/stream?quality=high">high</a> |
        <a href="/snapshot">snapshot</a> |
        <a href="/metrics">metrics</a>
    </p>
    <img src="/video_feed" alt="live stream">
    <h3>Status</h3>
    <pre id="status">waiting...</pre>
    <h3>Detections</h3>
    <pre id="detections"></pre>
    <script>
        const badge = document.getElementById('status-badge');
        const status = new EventSource('/api/status/stream');
        status.onmessage = (e) => {
            const s = JSON.parse(e.data);
            badge.textContent = s.status + ' ' + s.uptime;
            badge.className = 'badge ' + s.status;
            document.getElementById('status').textContent = JSON.stringify(s, null, 2);
        };
        const log = document.getElementById('detections');
        const detections = new EventSource('/api/detections/stream');
        detections.onmessage = (e) => {
            const d = JSON.parse(e.data);
            const names = d.detections.map((x) => x.class_name + ' ' + x.confidence.toFixed(2));
            log.textContent = '#' + d.frame_number + ' ' + names.join(', ') + '\n' + log.textContent.slice(0, 4000);
        };
    </script>
</body>
</html>
`
