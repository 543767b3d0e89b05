package schema

// JSON Schema sources (Draft 2020-12), one per artifact URN. Shapes mirror
// the artifacts written by the pipeline stages; validation runs before any
// artifact write and again during audit verification.

const normalizedMessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:normalized_message:1.0.0",
  "title": "NormalizedMessage",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"}
  },
  "required": [
    "schema_id", "schema_version", "message_id", "run_id",
    "ingested_at", "received_at", "ingestion_source",
    "raw_mime_uri", "raw_mime_sha256",
    "from_email", "to_emails", "cc_emails",
    "subject", "subject_c14n", "body_text", "body_text_c14n",
    "language", "thread_keys", "attachment_ids", "message_fingerprint"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:normalized_message:1.0.0"},
    "schema_version": {"type": "string"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "ingested_at": {"$ref": "#/$defs/timestamp"},
    "received_at": {"$ref": "#/$defs/timestamp"},
    "ingestion_source": {"type": "string", "minLength": 1},
    "raw_mime_uri": {"type": "string", "minLength": 1},
    "raw_mime_sha256": {"$ref": "#/$defs/sha256"},
    "from_email": {"type": "string", "minLength": 1},
    "from_display_name": {"type": ["string", "null"]},
    "reply_to_email": {"type": ["string", "null"]},
    "to_emails": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "cc_emails": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "subject": {"type": "string"},
    "subject_c14n": {"type": "string"},
    "body_text": {"type": "string"},
    "body_text_c14n": {"type": "string"},
    "language": {"type": "string", "minLength": 2},
    "thread_keys": {
      "type": "object",
      "required": ["internet_message_id", "in_reply_to", "conversation_id"],
      "properties": {
        "internet_message_id": {"type": ["string", "null"]},
        "in_reply_to": {"type": ["string", "null"]},
        "conversation_id": {"type": ["string", "null"]}
      }
    },
    "attachment_ids": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "message_fingerprint": {"$ref": "#/$defs/sha256"}
  }
}`

const attachmentArtifactSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:attachment_artifact:1.0.0",
  "title": "AttachmentArtifact",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"}
  },
  "required": [
    "schema_id", "schema_version", "attachment_id", "message_id",
    "filename", "mime_type", "size_bytes", "sha256", "av_status",
    "extracted_text_uri", "extracted_text_sha256",
    "ocr_applied", "ocr_confidence", "doc_type_candidates", "created_at"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:attachment_artifact:1.0.0"},
    "schema_version": {"type": "string"},
    "attachment_id": {"type": "string", "minLength": 1},
    "message_id": {"type": "string", "minLength": 1},
    "filename": {"type": "string"},
    "mime_type": {"type": "string", "minLength": 1},
    "size_bytes": {"type": "integer", "minimum": 0},
    "sha256": {"$ref": "#/$defs/sha256"},
    "av_status": {"type": "string", "enum": ["CLEAN", "INFECTED", "SUSPICIOUS", "FAILED"]},
    "extracted_text_uri": {"type": ["string", "null"]},
    "extracted_text_sha256": {"oneOf": [{"$ref": "#/$defs/sha256"}, {"type": "null"}]},
    "ocr_applied": {"type": "boolean"},
    "ocr_confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
    "doc_type_candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "confidence"],
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "created_at": {"$ref": "#/$defs/timestamp"}
  }
}`

const identityResolutionResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:identity_resolution_result:1.0.0",
  "title": "IdentityResolutionResult",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"},
    "evidence_span": {
      "type": "object",
      "required": ["source", "start", "end", "snippet_redacted", "snippet_sha256"],
      "properties": {
        "source": {"type": "string", "enum": ["SUBJECT_C14N", "BODY_C14N", "ATTACHMENT_TEXT"]},
        "start": {"type": "integer", "minimum": 0},
        "end": {"type": "integer", "minimum": 0},
        "snippet_redacted": {"type": "string"},
        "snippet_sha256": {"$ref": "#/$defs/sha256"}
      }
    },
    "signal": {
      "type": "object",
      "required": ["name", "strength", "weight"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "strength": {"type": "number", "minimum": 0, "maximum": 1},
        "weight": {"type": "number", "minimum": 0},
        "value": {"type": "string"}
      }
    },
    "candidate": {
      "type": "object",
      "required": ["entity_type", "entity_id", "score", "signals", "evidence", "rank"],
      "properties": {
        "entity_type": {"type": "string", "enum": ["POLICY", "CLAIM", "CUSTOMER"]},
        "entity_id": {"type": "string", "minLength": 1},
        "score": {"type": "number", "minimum": 0, "maximum": 1},
        "signals": {"type": "array", "items": {"$ref": "#/$defs/signal"}},
        "evidence": {"type": "array", "items": {"$ref": "#/$defs/evidence_span"}},
        "rank": {"type": "integer", "minimum": 1}
      }
    }
  },
  "required": [
    "schema_id", "schema_version", "message_id", "run_id",
    "status", "selected_candidate", "top_k", "thresholds",
    "created_at", "decision_hash"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:identity_resolution_result:1.0.0"},
    "schema_version": {"type": "string"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "status": {
      "type": "string",
      "enum": ["IDENTITY_CONFIRMED", "IDENTITY_PROBABLE", "IDENTITY_NEEDS_REVIEW", "IDENTITY_NO_CANDIDATE"]
    },
    "selected_candidate": {"oneOf": [{"$ref": "#/$defs/candidate"}, {"type": "null"}]},
    "top_k": {"type": "array", "items": {"$ref": "#/$defs/candidate"}},
    "thresholds": {
      "type": "object",
      "required": ["confirmed_min_score", "confirmed_min_margin", "probable_min_score", "probable_min_margin"],
      "properties": {
        "confirmed_min_score": {"type": "number"},
        "confirmed_min_margin": {"type": "number"},
        "probable_min_score": {"type": "number"},
        "probable_min_margin": {"type": "number"}
      }
    },
    "created_at": {"$ref": "#/$defs/timestamp"},
    "decision_hash": {"$ref": "#/$defs/sha256"}
  }
}`

const classificationResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:classification_result:1.0.0",
  "title": "ClassificationResult",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"},
    "evidence_span": {
      "type": "object",
      "required": ["source", "start", "end", "snippet_redacted", "snippet_sha256"],
      "properties": {
        "source": {"type": "string", "enum": ["SUBJECT_C14N", "BODY_C14N", "ATTACHMENT_TEXT"]},
        "start": {"type": "integer", "minimum": 0},
        "end": {"type": "integer", "minimum": 0},
        "snippet_redacted": {"type": "string"},
        "snippet_sha256": {"$ref": "#/$defs/sha256"}
      }
    },
    "labeled": {
      "type": "object",
      "required": ["label", "confidence", "evidence"],
      "properties": {
        "label": {"type": "string", "minLength": 1},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "evidence": {"type": "array", "items": {"$ref": "#/$defs/evidence_span"}}
      }
    }
  },
  "required": [
    "schema_id", "schema_version", "message_id", "run_id",
    "intents", "primary_intent", "product_line", "urgency", "risk_flags",
    "model_info", "created_at", "decision_hash"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:classification_result:1.0.0"},
    "schema_version": {"type": "string"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "intents": {"type": "array", "items": {"$ref": "#/$defs/labeled"}},
    "primary_intent": {"$ref": "#/$defs/labeled"},
    "product_line": {"$ref": "#/$defs/labeled"},
    "urgency": {"$ref": "#/$defs/labeled"},
    "risk_flags": {"type": "array", "items": {"$ref": "#/$defs/labeled"}},
    "model_info": {
      "oneOf": [
        {"type": "null"},
        {
          "type": "object",
          "required": ["provider", "model_name", "model_version", "prompt_version", "prompt_sha256"],
          "properties": {
            "provider": {"type": "string", "minLength": 1},
            "model_name": {"type": "string", "minLength": 1},
            "model_version": {"type": "string"},
            "prompt_version": {"type": "string"},
            "prompt_sha256": {"$ref": "#/$defs/sha256"}
          }
        }
      ]
    },
    "created_at": {"$ref": "#/$defs/timestamp"},
    "decision_hash": {"$ref": "#/$defs/sha256"}
  }
}`

const extractionResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:extraction_result:1.0.0",
  "title": "ExtractionResult",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"}
  },
  "required": ["schema_id", "schema_version", "message_id", "run_id", "entities", "created_at"],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:extraction_result:1.0.0"},
    "schema_version": {"type": "string"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["entity_type", "value", "value_redacted", "value_sha256", "store_mode", "confidence", "provenance"],
        "properties": {
          "entity_type": {
            "type": "string",
            "enum": ["ENT_POLICY_NUMBER", "ENT_CLAIM_NUMBER", "ENT_DATE", "ENT_LOCATION", "ENT_IBAN", "ENT_DOCUMENT_TYPE"]
          },
          "value": {"type": ["string", "null"]},
          "value_redacted": {"type": "string"},
          "value_sha256": {"$ref": "#/$defs/sha256"},
          "store_mode": {"type": "string", "enum": ["FULL", "HASH_ONLY"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "provenance": {
            "type": "object",
            "required": ["source", "start", "end", "snippet_redacted", "snippet_sha256"],
            "properties": {
              "source": {"type": "string", "enum": ["SUBJECT_C14N", "BODY_C14N", "ATTACHMENT_TEXT"]},
              "start": {"type": "integer", "minimum": 0},
              "end": {"type": "integer", "minimum": 0},
              "snippet_redacted": {"type": "string"},
              "snippet_sha256": {"$ref": "#/$defs/sha256"}
            }
          }
        }
      }
    },
    "created_at": {"$ref": "#/$defs/timestamp"}
  }
}`

const routingDecisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:routing_decision:1.0.0",
  "title": "RoutingDecision",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"}
  },
  "required": [
    "schema_id", "schema_version", "message_id", "run_id",
    "queue_id", "sla_id", "priority", "actions",
    "rule_id", "rule_version", "fail_closed", "fail_closed_reason",
    "created_at", "decision_hash"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:routing_decision:1.0.0"},
    "schema_version": {"type": "string"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "queue_id": {"type": "string", "minLength": 1},
    "sla_id": {"type": "string"},
    "priority": {"type": "integer"},
    "actions": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "rule_id": {"type": "string", "minLength": 1},
    "rule_version": {"type": "string", "minLength": 1},
    "fail_closed": {"type": "boolean"},
    "fail_closed_reason": {"type": ["string", "null"]},
    "created_at": {"$ref": "#/$defs/timestamp"},
    "decision_hash": {"$ref": "#/$defs/sha256"}
  }
}`

const auditEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:audit_event:1.0.0",
  "title": "AuditEvent",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"},
    "uuid": {"type": "string", "pattern": "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"},
    "artifact_ref": {
      "type": "object",
      "required": ["schema_id", "uri", "sha256"],
      "properties": {
        "schema_id": {"type": "string", "minLength": 1},
        "uri": {"type": "string", "minLength": 1},
        "sha256": {"$ref": "#/$defs/sha256"}
      }
    },
    "evidence_ref": {
      "type": "object",
      "required": ["source", "start", "end", "snippet_sha256"],
      "properties": {
        "source": {"type": "string", "enum": ["SUBJECT_C14N", "BODY_C14N", "ATTACHMENT_TEXT"]},
        "start": {"type": "integer", "minimum": 0},
        "end": {"type": "integer", "minimum": 0},
        "snippet_sha256": {"$ref": "#/$defs/sha256"}
      }
    }
  },
  "required": [
    "schema_id", "schema_version", "audit_event_id", "message_id", "run_id",
    "stage", "actor_type", "actor_id", "created_at",
    "input_ref", "output_ref", "config_ref", "rules_ref", "model_info",
    "evidence", "decision_hash", "prev_event_hash", "event_hash"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:audit_event:1.0.0"},
    "schema_version": {"type": "string"},
    "audit_event_id": {"$ref": "#/$defs/uuid"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "stage": {
      "type": "string",
      "enum": ["INGEST", "NORMALIZE", "ATTACHMENTS", "IDENTITY", "CLASSIFY", "EXTRACT", "ROUTE", "CASE", "HITL", "REPROCESS"]
    },
    "actor_type": {"type": "string", "enum": ["SYSTEM", "HUMAN", "JOB"]},
    "actor_id": {"type": ["string", "null"]},
    "created_at": {"$ref": "#/$defs/timestamp"},
    "input_ref": {"$ref": "#/$defs/artifact_ref"},
    "output_ref": {"$ref": "#/$defs/artifact_ref"},
    "config_ref": {
      "oneOf": [
        {"type": "null"},
        {
          "type": "object",
          "required": ["config_path", "config_sha256"],
          "properties": {
            "config_path": {"type": "string", "minLength": 1},
            "config_sha256": {"$ref": "#/$defs/sha256"}
          }
        }
      ]
    },
    "rules_ref": {
      "oneOf": [
        {"type": "null"},
        {
          "type": "object",
          "required": ["ruleset_path", "ruleset_sha256", "ruleset_version"],
          "properties": {
            "ruleset_path": {"type": "string", "minLength": 1},
            "ruleset_sha256": {"$ref": "#/$defs/sha256"},
            "ruleset_version": {"type": "string", "minLength": 1}
          }
        }
      ]
    },
    "model_info": {"type": ["object", "null"]},
    "evidence": {"type": "array", "items": {"$ref": "#/$defs/evidence_ref"}},
    "decision_hash": {"oneOf": [{"$ref": "#/$defs/sha256"}, {"type": "null"}]},
    "prev_event_hash": {"oneOf": [{"$ref": "#/$defs/sha256"}, {"type": "null"}]},
    "event_hash": {"$ref": "#/$defs/sha256"}
  }
}`

const correctionRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:ieim:schema:correction_record:1.0.0",
  "title": "CorrectionRecord",
  "type": "object",
  "$defs": {
    "sha256": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "timestamp": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}Z$"},
    "uuid": {"type": "string", "pattern": "^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"},
    "artifact_ref": {
      "type": "object",
      "required": ["schema_id", "uri", "sha256"],
      "properties": {
        "schema_id": {"type": "string", "minLength": 1},
        "uri": {"type": "string", "minLength": 1},
        "sha256": {"$ref": "#/$defs/sha256"}
      }
    }
  },
  "required": [
    "schema_id", "schema_version", "correction_id", "message_id", "run_id",
    "review_item_id", "actor_type", "actor_id", "created_at",
    "note", "artifact_refs", "corrections"
  ],
  "properties": {
    "schema_id": {"const": "urn:ieim:schema:correction_record:1.0.0"},
    "schema_version": {"type": "string"},
    "correction_id": {"$ref": "#/$defs/uuid"},
    "message_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "review_item_id": {"type": ["string", "null"]},
    "actor_type": {"type": "string", "enum": ["SYSTEM", "HUMAN", "JOB"]},
    "actor_id": {"type": ["string", "null"]},
    "created_at": {"$ref": "#/$defs/timestamp"},
    "note": {"type": ["string", "null"]},
    "artifact_refs": {"type": "array", "items": {"$ref": "#/$defs/artifact_ref"}},
    "corrections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["target_stage", "patch"],
        "properties": {
          "target_stage": {
            "type": "string",
            "enum": ["IDENTITY", "CLASSIFY", "EXTRACT", "ROUTE"]
          },
          "patch": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["op", "path"],
              "properties": {
                "op": {"type": "string", "enum": ["add", "replace", "remove"]},
                "path": {"type": "string"},
                "value": {}
              }
            }
          },
          "justification": {"type": "string"},
          "evidence": {"type": "array"}
        }
      }
    }
  }
}`
