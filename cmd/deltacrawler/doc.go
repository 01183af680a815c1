// Command deltacrawler discovers URLs of configured sites, dispatches them to
// named work queues, and records how much each resource's text changed since
// the previous fetch.
//
// Architecture overview:
//   - Frontier: every URL of a site partition sits in exactly one of pending,
//     in-flight, completed, or failed. Backends are memory, file, sqlite, and
//     postgres (frontier.backend).
//   - Discovery: a site preset lists links of a listing page (static colly or
//     chromedp rendering, following the next-page control) or names URLs
//     explicitly. New URLs land in pending.
//   - Dispatch: run and work publish pending URLs to a queue named
//     url_queue_<uuid7> (memory, sqlite, or redis streams) and drain it with
//     worker.concurrency workers. Deliveries are at-least-once; a task is
//     acknowledged only after the frontier records its outcome.
//   - Delta: each fetched text is diffed line by line against the previous
//     snapshot (memory, local, redis, gcs, s3). Scores at or above
//     notify.threshold are published as change events (Pub/Sub when
//     notify.topic is set).
//
// Quick checklist:
//   - Configure with a YAML file (--config) or CRAWLER_* variables, e.g.
//     CRAWLER_QUEUE_BACKEND=redis, CRAWLER_REDIS_ADDR, CRAWLER_WORKER_CONCURRENCY.
//     .env and .env.local are read first.
//   - deltacrawler run --site arxiv --partition ai discovers and drains in one go.
//   - deltacrawler status and deltacrawler queues inspect progress.
//   - deltacrawler serve exposes /healthz, /readyz, and /metrics on server.port.
package main
