package postgres

import (
	"fmt"
	"strings"
)

// schemaSQL returns the idempotent schema. Only configuration columns fire
// the notify trigger; last_check_at is written every cycle and must not.
func schemaSQL(channel string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS monitored_urls (
  id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  name              TEXT NOT NULL,
  url               TEXT NOT NULL,
  expected_response JSONB NOT NULL DEFAULT '{}'::jsonb,
  check_interval    INTEGER NOT NULL DEFAULT 60,
  retry_interval    INTEGER NOT NULL DEFAULT 30,
  last_check_at     TIMESTAMPTZ NULL,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS monitor_incidents (
  id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  monitored_urls_id UUID NOT NULL REFERENCES monitored_urls(id) ON DELETE CASCADE,
  error_message     TEXT NOT NULL,
  is_open           BOOLEAN NOT NULL DEFAULT TRUE,
  started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  ended_at          TIMESTAMPTZ NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_monitor_incidents_open
  ON monitor_incidents (monitored_urls_id, error_message) WHERE is_open;
CREATE INDEX IF NOT EXISTS idx_monitor_incidents_monitor_time
  ON monitor_incidents (monitored_urls_id, started_at DESC);

CREATE OR REPLACE FUNCTION notify_monitor_change() RETURNS trigger AS $$
DECLARE
  row_id UUID;
BEGIN
  IF TG_OP = 'DELETE' THEN
    row_id := OLD.id;
  ELSE
    row_id := NEW.id;
  END IF;
  PERFORM pg_notify(TG_ARGV[0], json_build_object('operation', TG_OP, 'id', row_id)::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS monitored_urls_notify ON monitored_urls;
CREATE TRIGGER monitored_urls_notify
  AFTER INSERT OR DELETE
     OR UPDATE OF name, url, expected_response, check_interval, retry_interval
  ON monitored_urls
  FOR EACH ROW EXECUTE FUNCTION notify_monitor_change(%s);
`, quoteLiteral(channel))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
