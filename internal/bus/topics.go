package bus

// Workflow topics. Every topic shares the "workflow." prefix so a stream can
// take them all with one subscription.
const (
	TopicPrefix   = "workflow."
	TopicActivity = "workflow.activity"
	TopicRequest  = "workflow.request"
	TopicTask     = "workflow.task"
	TopicMessage  = "workflow.message"
)

// Kind returns the stream event name for a topic: activity, request, task or
// message. Unknown topics yield "".
func Kind(topic string) string {
	switch topic {
	case TopicActivity:
		return "activity"
	case TopicRequest:
		return "request"
	case TopicTask:
		return "task"
	case TopicMessage:
		return "message"
	}
	return ""
}
