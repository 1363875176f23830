// Package access maps roles to the queue operations they may invoke.
package access

import "ekklesia/queue-service/internal/models"

type Operation string

const (
	OpGenerate       Operation = "generate"
	OpView           Operation = "view"
	OpCallNext       Operation = "call_next"
	OpRecall         Operation = "recall"
	OpComplete       Operation = "complete"
	OpCancel         Operation = "cancel"
	OpReissue        Operation = "reissue"
	OpRequeue        Operation = "requeue"
	OpDisplayMessage Operation = "display_message"
	OpManageServices Operation = "manage_services"
)

var capabilities = map[models.Role]map[Operation]bool{
	models.RoleAdmin: {
		OpGenerate: true, OpView: true, OpCallNext: true, OpRecall: true, OpComplete: true,
		OpCancel: true, OpReissue: true, OpRequeue: true, OpDisplayMessage: true, OpManageServices: true,
	},
	models.RoleTriage: {
		OpGenerate: true, OpView: true, OpCancel: true, OpReissue: true, OpRequeue: true,
	},
	models.RoleService: {
		OpView: true, OpCallNext: true, OpRecall: true, OpComplete: true, OpCancel: true, OpDisplayMessage: true,
	},
	models.RolePanel: {
		OpView: true,
	},
	models.RoleUser: {
		OpGenerate: true,
	},
}

// Can reports whether role may perform op. Unknown roles may do nothing.
func Can(role models.Role, op Operation) bool {
	return capabilities[role][op]
}

func ParseRole(value string) (models.Role, bool) {
	role := models.Role(value)
	_, ok := capabilities[role]
	return role, ok
}
