package flow

// Pre-approved template names (WhatsApp Business Manager).
const (
	tplWelcome      = "bienvenida"
	tplDaySelect    = "seleccion_dia"
	tplHourSelect   = "seleccion_hora"
	tplConfirmation = "confirmacion_pregunta"
)

// User-facing copy. The bot speaks Spanish.
const (
	msgGenericError = "Lo siento, ha ocurrido un error. Por favor, intenta nuevamente más tarde."

	msgDayReprompt = "Lo siento, no reconozco ese día. Por favor, escribe el nombre del día " +
		"(por ejemplo: Lunes, Martes, etc.)."
	msgHourReprompt = "Lo siento, no reconozco esa hora. Escríbela en formato HH:MM, " +
		"por ejemplo: 14:05."

	msgSubscribedFmt = "¡Perfecto! Has programado recibir tus preguntas cada %s a las %s. " +
		"Recibirás tu primera pregunta en el próximo horario programado. ¡Gracias por suscribirte!"

	msgSubscribedAck = "Gracias por tu mensaje. Recibirás tus preguntas en el horario programado."

	msgConfirmReprompt = "¿Quieres recibir tu pregunta ahora? Responde Sí o No."
	msgPostponedFmt    = "De acuerdo, te enviaré tu pregunta el próximo %s a las %s."

	msgSelectionReprompt = "Por favor, selecciona una de las opciones de la lista."
	msgNoPendingApology  = "Lo siento, no encuentro una pregunta pendiente para ti. " +
		"Recibirás tu próxima pregunta en el horario programado."

	msgFeedbackCorrectFmt = "¡Correcto! La respuesta es: %s\n\nSeguirás recibiendo preguntas semanalmente."
	msgFeedbackWrongFmt   = "Incorrecto. La respuesta correcta es: %s\n\nSeguirás recibiendo preguntas semanalmente."
)

// affirmatives and negatives accepted in the confirmation step, lower-cased.
var affirmatives = map[string]struct{}{
	"sí": {}, "si": {}, "s": {}, "yes": {}, "claro": {}, "dale": {}, "ok": {},
}

var negatives = map[string]struct{}{
	"no": {}, "ahora no": {}, "luego": {}, "después": {}, "despues": {},
}

// Selection row ids used by the confirmation template buttons.
const (
	selectionYes = "confirm_yes"
	selectionNo  = "confirm_no"
)

// questionNowCommands trigger an immediate question, bypassing the schedule.
var questionNowCommands = map[string]struct{}{
	"pregunta": {}, "quiero una pregunta": {}, "pregunta ahora": {}, "envíame una pregunta": {},
	"enviame una pregunta": {},
}
