package types

// MessageType names a bus message's schema, used by subscribers for topic
// matching.
type MessageType string

const (
	MsgCreditDrop              MessageType = "CreditDrop"
	MsgCreditReturn            MessageType = "CreditReturn"
	MsgInferenceResults        MessageType = "InferenceResults"
	MsgMetricRecords           MessageType = "MetricRecords"
	MsgProgressReport          MessageType = "ProgressReport"
	MsgRealtimeMetrics         MessageType = "RealtimeMetrics"
	MsgRealtimeTelemetry       MessageType = "RealtimeTelemetryMetrics"
	MsgCommand                 MessageType = "CommandMessage"
	MsgCommandResponse         MessageType = "CommandResponse"
	MsgConversationRequest     MessageType = "ConversationRequest"
	MsgConversationResponse    MessageType = "ConversationResponse"
	MsgServiceRegistration     MessageType = "ServiceRegistration"
	MsgHeartbeat               MessageType = "Heartbeat"
	MsgWorkerStatus            MessageType = "WorkerStatus"
	MsgProfileComplete         MessageType = "ProfileComplete"
)

// ServiceType identifies the kind of component a service implements. No
// bus topic name or controller code refers to these constants.
type ServiceType string

const (
	ServiceTypeScheduler        ServiceType = "credit_scheduler"
	ServiceTypeWorker           ServiceType = "worker"
	ServiceTypeRecordProcessor  ServiceType = "record_processor"
	ServiceTypeRecordsManager   ServiceType = "records_manager"
	ServiceTypeConversationProvider ServiceType = "conversation_provider"
	ServiceTypeController       ServiceType = "controller"
	ServiceTypeTelemetryCollector ServiceType = "telemetry_collector"
)

// Message is the bus envelope wrapping every payload, regardless of
// transport pattern (pub/sub, push/pull, req/rep).
type Message struct {
	MessageType MessageType `json:"message_type"`
	ServiceID   string      `json:"service_id"`
	RequestID   string      `json:"request_id,omitempty"`
	TimestampNS int64       `json:"timestamp_ns"`
	Payload     any         `json:"payload"`
}
