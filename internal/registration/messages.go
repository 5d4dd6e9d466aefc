package registration

import "fmt"

func otpMessage(code string) string {
	return fmt.Sprintf("🔐 Tu código de verificación de Pelícano TV es: %s\n\n"+
		"⚠️ No lo compartas con nadie.\n\n"+
		"_Este código expira en 5 minutos._", code)
}

func welcomeMessage(firstName, lastName string) string {
	return fmt.Sprintf(`🎉 ¡Bienvenido/a %s %s!
✅ Tu registro en *Pelícano TV* ha sido completado exitosamente.

📱 Ya formas parte de nuestra comunidad y podrás recibir notificaciones importantes.

🔔 Te mantendremos informado sobre:
✅ *Bingo Amigo Prime*
✅ *Noticias LIBERTENSES*
✅ *Podcast PTG*

¡Gracias por registrarte con nosotros!

*Equipo Pelícano TV* 🚀`, firstName, lastName)
}

const socialMessage = `📲 *¡Síguenos en todas nuestras redes como @pelicanotvcanal, el medio digital de los libertenses!* 📺
👉 *Facebook:* facebook.com/pelicanotvcanal
👉 *TikTok:* tiktok.com/@pelicanotvcanal
👉 *Instagram:* instagram.com/pelicanotvcanal
👉 *YouTube:* youtube.com/@PelicanoTVcanal`

func tableCaption(firstName, code string) string {
	return fmt.Sprintf(`🎯 ¡Hola %s!

¡Tu tabla de *BINGO AMIGO PRIME* está lista! 🎉

📋 *Código de tabla:* %s
🎲 Ya puedes participar en nuestros bingos!

¡Guarda bien este PDF para participar! 🍀

*Equipo Pelícano TV* 🚀`, firstName, code)
}

func confirmationMessage(code string) string {
	return fmt.Sprintf(`✅ *Registro completado*

Tu registro y tabla de BINGO (rango %s) han sido creados exitosamente.

📱 ¡Ya estás listo para participar!

*Equipo Pelícano TV* 🚀`, code)
}
