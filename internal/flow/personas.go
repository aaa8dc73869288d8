package flow

import (
	"text/template"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Persona holds the fixed copy and prompt templates for one role.
type Persona struct {
	Role  models.Role
	Label string // menu button label
	// Welcome is shown on selection when no required field is missing.
	Welcome string
	// Resume maps the first missing field to the text shown on selection.
	Resume map[models.BirthField]string
	// Collected is shown once the last required field has been accepted.
	Collected string
	// Waiting is announced while the backend is generating.
	Waiting string
	// Kickoff, when set, is sent to the backend on selection and its answer shown instead of Welcome.
	Kickoff      string
	ColdStart    *template.Template
	Continuation *template.Template
}

// promptData is the value the persona templates are executed with.
type promptData struct {
	Text       string
	Transcript string
	Date       string
	Time       string
	Place      string
	Method     string
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=error").Parse(text))
}

// Fixed user-facing copy.
const (
	TextChooseRole    = "Пожалуйста, выберите роль, нажав /start"
	TextApology       = "Произошла ошибка при получении ответа. Попробуйте еще раз позже."
	TextDateFormat    = "Неправильный формат даты. Введите дату рождения в формате ДД.ММ.ГГГГ:"
	TextTimeFormat    = "Неправильный формат времени. Введите время рождения в формате ЧЧ:ММ:"
	TextAskDate       = "Введите вашу дату рождения в формате ДД.ММ.ГГГГ (Например: 01.01.1995):"
	TextAskTime       = "Введите время рождения (в формате ЧЧ:ММ):"
	TextAskPlace      = "Введите место рождения:"
	TextChooseMethod  = "Вы выбрали роль психолога. Выберите методику терапии или нажмите 'не разбираюсь':"
	TextMethodMissing = "Пожалуйста, выберите методику, нажав /start и выбрав роль психолога снова."
	TextMethodChosen  = "Методика выбрана: %s. Расскажите, что вас беспокоит, или задайте свой вопрос психологу:"
	TextCleared       = "Ваши данные о рождении были удалены. Теперь вы можете ввести новые данные."
	TextClearNotFound = "Ваши данные о рождении не найдены."
	TextUnsubscribed  = "Вы успешно отписались от ежедневной рассылки гороскопов."
	TextUserNotFound  = "Пользователь не найден."
	TextNewUser       = "Новый пользователь: %s (ID: %s)"
	TextGestalt       = "Если у вас есть конкретные вопросы или темы, которые вы хотите обсудить в контексте гештальт-терапии, пожалуйста, дайте знать. Я здесь, чтобы помочь!"
	TextUnsure        = "Похоже, что вы хотите начать терапевтический процесс, но не уверены, с чего начать. Позвольте мне предложить несколько известных методик терапии, чтобы помочь вам выбрать подходящую для вас:\n\n" +
		"1. Когнитивно-поведенческая терапия (КПТ) фокусируется на изменении деструктивных мыслей и поведения. Подходит при тревожности, депрессии и фобиях.\n\n" +
		"2. Гуманистическая терапия - акцент на самопознании и самореализации.\n\n" +
		"3. Терапия, основанная на осознании (майндфулнесс): включает практики медитации и внимательности, помогает снизить уровень стресса и повысить эмоциональную устойчивость.\n\n" +
		"4. Психоаналитическая терапия исследует бессознательные процессы и их влияние на поведение.\n\n" +
		"Вы можете выбрать ту методику, которая вам подходит больше всего. Или же напишите, о чем вы хотели бы поговорить?"

	TextWelcome = "🌟 Приветствую! Я твой личный гид по поиску лучших решений, балансу, крепкой веры в себя и доверию миру. " +
		"Я являюсь искусственным интеллектом и могу выступать в роли психолога, коуча, карьерного консультанта, астролога, нумеролога и таролога. " +
		"Выбери одну из ролей ниже, чтобы начать:\n\n" +
		"🧠 Психолог: Психолог поможет в работе с тревогой и депрессивными мыслями, построением гармоничных отношений.\n" +
		"🚀 Коуч по саморазвитию: Достижение целей и личностный рост вместе со мной.\n" +
		"📈 Карьерный консультант: Советы по карьерному развитию и профессиональному росту.\n" +
		"🔮 Астролог: Узнай, что звезды говорят о тебе и насколько они эти советы могут помочь тебе в сегодняшней жизненной ситуации.\n" +
		"🔢 Нумеролог: Открой секреты чисел и их мудрость.\n" +
		"🃏 ТАРО: Иногда на ситуацию надо посмотреть с неожиданной стороны.\n" +
		"Просто нажми на одну из кнопок ниже, чтобы начать свое увлекательное путешествие!\n\n" +
		"Ознакомиться с инструкцией и возможностями бота можно здесь /help"

	TextHelp = "ℹ️ Как пользоваться ботом\n\n" +
		"/start - главное меню и выбор роли\n" +
		"/psychologist - психолог\n" +
		"/career_consultant - карьерный консультант\n" +
		"/astrology - астролог (понадобятся дата, время и место рождения)\n" +
		"/numerology - нумеролог (понадобится дата рождения)\n" +
		"/self_development_coach - коуч по саморазвитию\n" +
		"/tarot - гадание на картах ТАРО\n" +
		"/clear_birth_data - удалить сохраненные данные о рождении\n" +
		"/unsubscribe - отписаться от ежедневного гороскопа\n" +
		"/feedback - отправить отзыв или предложение\n\n" +
		"Можно писать текстом или отправлять голосовые сообщения."

	// dailyForecastTemplate is the prompt used by the daily horoscope broadcast.
	dailyForecastTemplate = "Представь, что ты астролог. Моя дата рождения {{.Date}}, время рождения {{.Time}}, место рождения {{.Place}}. Дай мне астрологический прогноз на {{.Text}}. В ответе давай меньше теории и воды, дай только выжимку самой важной интерпретации прогноза - для каких дел день благоприятный, чего стоит опасаться, какие есть рекомендации."
)

// methodLabels are the button labels offered after selecting the psychologist.
var methodLabels = map[models.TherapyMethod]string{
	models.MethodCBT:           "Когнитивно-поведенческая",
	models.MethodPsychodynamic: "Психодинамическая",
	models.MethodGestalt:       "Гештальт-терапия",
	models.MethodUnsure:        "Не разбираюсь",
}

// methodPhrases are embedded in psychology prompts.
var methodPhrases = map[models.TherapyMethod]string{
	models.MethodCBT:           "когнитивно-поведенческая",
	models.MethodPsychodynamic: "психодинамическая",
	models.MethodGestalt:       "гештальт-терапия",
	models.MethodUnsure:        "которая будет эффективна в моем случае",
}

var dailyForecast = mustTemplate("daily", dailyForecastTemplate)

var personas = map[models.Role]*Persona{
	models.RoleTarot: {
		Role:  models.RoleTarot,
		Label: "🃏 Таро",
		Welcome: "🟨 /tarot\n\n" +
			"✨ Добро пожаловать в мир ТАРО! ✨\n\n" +
			"🃏 Карты Таро могут помочь вам раскрыть скрытые аспекты вашей жизни, получить ценные советы и посмотреть на ситуацию с новой стороны.\n\n" +
			"1. Задайте любой вопрос, который у вас на сердце — это может быть вопрос о любви, карьере, здоровье или будущем.\n" +
			"2. Постарайтесь быть конкретным в своём вопросе, чтобы карты могли дать вам наиболее точный ответ.\n\n" +
			"🔮 Примеры вопросов:\n" +
			"- Какие шаги мне следует предпринять для карьерного роста?\n" +
			"- Какое решение будет наилучшим в текущей ситуации?\n" +
			"- Как бы я хотела выстроить эти отношения?\n\n" +
			"Не стесняйтесь, задайте свой вопрос, и пусть карты ТАРО откроют вам свою мудрость!",
		Waiting:      "🔮Достаю карты...🔮",
		ColdStart:    mustTemplate("tarot.cold", "Представь, что ты гадалка на картах ТАРО. Выложи 3 карты и дай предсказание на вопрос: {{.Text}}. Давай меньше воды, теории и больше интерпретации. Рассказывай так, чтобы читателю было интересно и создавалось впечатление, что человек на реальном приеме у гадалки"),
		Continuation: mustTemplate("tarot.cont", "Ты - гадалка на картах ТАРО. Вот история общения:\n{{.Transcript}}\nПользователь: {{.Text}}"),
	},
	models.RoleAstrology: {
		Role:    models.RoleAstrology,
		Label:   "🔮 Астролог",
		Welcome: "Все данные уже введены. Введите ваш вопрос для астролога:",
		Resume: map[models.BirthField]string{
			models.FieldDate: "🟨 Астролог\n\n" +
				"Добро пожаловать в мир астрологии! ✨\n\n" +
				"Как астролог, я помогу вам понять, как звезды и планеты могут влиять на вашу жизнь.\n\n" +
				"Мне понадобятся данные о вашей дате, времени и месте рождения, чтобы я мог составить ваш персональный гороскоп и поделиться с вами удивительными астрологическими прогнозами.\n\n" +
				"Вот несколько примеров вопросов, которые вы можете задать:\n" +
				"- Что говорит мой солнечный знак обо мне?\n" +
				"- Какие планеты влияют на мою карьеру и отношения?\n" +
				"- Как лунные фазы могут повлиять на мое настроение и энергию?\n\n" +
				"Но, возможно, у вас есть свой вопрос, который больше вас интересует. Жду вашего запроса и готов помочь вам раскрыть тайны вашего астрологического пути.\n\n" +
				"Введите вашу дату рождения в формате ДД.ММ.ГГГГ (Например: 01.01.1995):",
			models.FieldTime:  "Введите время рождения в формате ЧЧ:ММ (например 07:20 или 19:00):",
			models.FieldPlace: "Введите место рождения в свободной форме (Например: Казань или Выборг, Ленинградская обл. и тд):",
		},
		Collected:    "Данные о рождении сохранены. Введите ваш вопрос для астролога:",
		Waiting:      "🌘Составляю карту планет...🌘",
		ColdStart:    mustTemplate("astrology.cold", "Представь, что ты астролог. Моя дата рождения {{.Date}}, время рождения {{.Time}}, место рождения {{.Place}}. Дай мне ответ как астролог на основе моей натальной карты на мой вопрос: {{.Text}}. Общайся так, чтобы казалось, что человек на реальном приеме у профессионального астролога. В ответах давай меньше воды и больше полезной информации и интерпретаций. Не говори о том, что ты не можешь рассчитать что-то и тем более не нужно рекомендовать посетить какие-то сайты."),
		Continuation: mustTemplate("astrology.cont", "Ты - астролог. Вот история общения:\n{{.Transcript}}\nПользователь: {{.Text}}"),
	},
	models.RoleNumerology: {
		Role:    models.RoleNumerology,
		Label:   "🔢 Нумеролог",
		Welcome: "Дата рождения уже введена. Введите ваш вопрос для нумеролога:",
		Resume: map[models.BirthField]string{
			models.FieldDate: "🟨 Нумеролог\n\n" +
				"Добро пожаловать в мир нумерологии! 🌟\n\n" +
				"Как нумеролог, я помогу вам раскрыть тайны чисел, которые могут пролить свет на вашу личность, судьбу и жизненные пути.\n\n" +
				"Мне понадобится дата вашего рождения, чтобы я мог провести анализ и поделиться с вами удивительными инсайтами о вашем жизненном пути и предназначении.\n\n" +
				"Не стесняйтесь задавать вопросы о том, как числа могут влиять на вашу жизнь и как использовать эту информацию для личного роста и развития. Вот несколько примеров вопросов, которые вы можете задать:\n" +
				"- Какое значение имеет мое число судьбы?\n" +
				"- Как числа влияют на мою карьеру и личные отношения?\n\n" +
				"Или можете задать любой другой вопрос, а я постараюсь помочь вам узнать больше о себе через призму чисел.\n\n" +
				"Для продолжения введите свою дату рождения в формате ДД.ММ.ГГГГ (например: 01.01.1995):",
		},
		Collected:    "Введите ваш вопрос для нумеролога:",
		Waiting:      "🔢Считаю цифры...🔢",
		ColdStart:    mustTemplate("numerology.cold", "Представь, что ты нумеролог. Я пришел к тебе на прием. Моя дата рождения {{.Date}}. Я впервые у нумеролога, поэтому возьми инициативу по диалогу на себя. Дай прогноз на мой вопрос: {{.Text}}. Или предложи мне несколько популярных вопросов, с которых мы можем начать.В ответах давай меньше воды и вступительных слов, а больше полезной информации и интерпритаций."),
		Continuation: mustTemplate("numerology.cont", "Ты - Нумеролог. Вот история общения:\n{{.Transcript}}\nПользователь: {{.Text}}"),
	},
	models.RoleCoach: {
		Role:         models.RoleCoach,
		Label:        "🚀 Коуч по саморазвитию",
		Welcome:      "🚀 Коуч по саморазвитию на связи. Расскажите, над чем вы хотите поработать:",
		Kickoff:      "Представь, что ты коуч по саморазвитию, а я у тебя на приеме. Я впервые на приеме у коуча по саморазвитию, поэтому возьми инициативу по диалогу в свои руки. Разговор должен быть интерактивным, вовлекающим",
		Waiting:      "💪Составляю ответ...💪",
		ColdStart:    mustTemplate("coach.cold", "Представь, что ты коуч по саморазвитию. Ответь на вопрос: {{.Text}}."),
		Continuation: mustTemplate("coach.cont", "Ты - Коуч по саморазвитию. Вот история общения:\n{{.Transcript}}\nПользователь: {{.Text}}"),
	},
	models.RolePsychologist: {
		Role:         models.RolePsychologist,
		Label:        "🧠 Психолог",
		Welcome:      TextChooseMethod,
		Waiting:      "🧠Составляю ответ...🧠",
		ColdStart:    mustTemplate("psychologist.cold", "Представь, что ты психолог, использующий методику {{.Method}}. Ответь на вопрос: {{.Text}}. Держи ответы неформальными, но точными. Используй технические термины и концепции свободно — считай, что собеседник в теме. Будь прямым. Избавься от вежливых формальностей и лишней вежливости.Приводи примеры только когда уместно.Подстраивай глубину и длину ответов под контекст. Сначала точность, но без лишней воды. Короткие, четкие фразы — нормально.Дай своей личности проявиться, но не затми суть.Не старайся быть «супер-помощником» в каждом предложении."),
		Continuation: mustTemplate("psychologist.cont", "Ты - Психолог, работающий по методике {{.Method}}. Вот история общения:\n{{.Transcript}}\nПользователь: {{.Text}}"),
	},
	models.RoleCareer: {
		Role:  models.RoleCareer,
		Label: "💼 Карьерный консультант",
		Welcome: "🟨 Карьерный консультант\n\n" +
			"💼 Добро пожаловать к Карьерному консультанту!\n\n" +
			"Я могу помочь вам с профессиональными советами, планированием карьеры и достижением ваших карьерных целей.\n\n" +
			"❓ Как это работает:\n" +
			"1. Опишите вашу текущую профессиональную ситуацию или задайте конкретный вопрос о карьере.\n" +
			"2. Я дам вам рекомендации и советы, чтобы помочь вам продвинуться в вашей карьере.\n\n" +
			"🔮 Примеры вопросов:\n" +
			"- Как мне улучшить свои навыки для повышения?\n" +
			"- Как подготовиться к собеседованию на новую работу?\n" +
			"- Как достичь баланса между работой и личной жизнью?\n\n" +
			"Не стесняйтесь, задайте свой вопрос, и я помогу вам найти наилучшее решение!",
		Waiting:      "💼Составляю ответ...💼",
		ColdStart:    mustTemplate("career.cold", "Представь, что ты опытный карьерный консультант. Пользователь пришел к тебе на прием впервые, веди интерактивный диалог. Ответь на вопрос: {{.Text}}."),
		Continuation: mustTemplate("career.cont", "Ты - карьерный консультант. Вот история общения:\n{{.Transcript}}\nПользователь: {{.Text}}"),
	},
}

// PersonaFor returns the persona for r, or nil for RoleNone and unknown roles.
func PersonaFor(r models.Role) *Persona {
	return personas[r]
}

// RoleOptions builds the role menu in display order.
func RoleOptions() []models.ReplyOption {
	opts := make([]models.ReplyOption, 0, len(models.Roles))
	for _, r := range models.Roles {
		opts = append(opts, models.ReplyOption{Label: personas[r].Label, Data: "/" + string(r)})
	}
	return opts
}

// MethodOptions builds the therapy method menu.
func MethodOptions() []models.ReplyOption {
	opts := make([]models.ReplyOption, 0, len(models.Methods))
	for _, m := range models.Methods {
		opts = append(opts, models.ReplyOption{Label: methodLabels[m], Data: string(m)})
	}
	return opts
}
